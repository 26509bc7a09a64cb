// Package capability implements capability grants and the sandbox check that
// evaluates them against a request context (glob path/host matching, range
// checks). See spec §3 CapabilityGrant and §4.1 "Capability checking".
package capability

import (
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kestrel-run/agentrt/pkg/manifest"
)

// Grant is a capability authorization attached to an agent, with an optional
// expiry and a constraint map evaluated against a check's context.
type Grant struct {
	Capability  manifest.Capability
	GrantorID   string
	Expiry      *time.Time
	Constraints map[string]string
	grantedAt   time.Time
}

// NewGrant builds a grant stamped with the current time, used for insertion
// ordering (grants are consulted in insertion order).
func NewGrant(now time.Time, cap manifest.Capability, grantorID string, expiry *time.Time, constraints map[string]string) Grant {
	return Grant{
		Capability:  cap,
		GrantorID:   grantorID,
		Expiry:      expiry,
		Constraints: constraints,
		grantedAt:   now,
	}
}

func (g Grant) expired(now time.Time) bool {
	return g.Expiry != nil && now.After(*g.Expiry)
}

// Sandbox holds the cumulative grants for one agent. Mutations are expected
// to be serialized by the agent's owning supervisor task (§5); Sandbox itself
// does no locking.
type Sandbox struct {
	grants []Grant
}

// NewSandbox creates an empty sandbox.
func NewSandbox() *Sandbox {
	return &Sandbox{}
}

// Grant appends a cumulative grant. Grants are never replaced or merged —
// cumulative within an agent per §3.
func (s *Sandbox) Grant(g Grant) {
	s.grants = append(s.grants, g)
}

// Grants returns a copy of the current grant list, in insertion order.
func (s *Sandbox) Grants() []Grant {
	out := make([]Grant, len(s.grants))
	copy(out, s.grants)
	return out
}

// CheckResult is the outcome of a capability check, always audit-logged by
// the caller.
type CheckResult struct {
	Allowed bool
	Reason  string
	Grant   *Grant
}

// Check consults grants in insertion order, discards expired ones, and
// evaluates each grant's constraint map against ctx. The first non-expired
// grant whose constraints are satisfied wins; §8 requires that an allow
// result implies such a grant exists and a deny implies none does.
func (s *Sandbox) Check(now time.Time, cap manifest.Capability, ctx map[string]string) CheckResult {
	for i := range s.grants {
		g := s.grants[i]
		if g.Capability != cap {
			continue
		}
		if g.expired(now) {
			continue
		}
		if satisfies(g.Constraints, ctx) {
			gc := g
			return CheckResult{Allowed: true, Reason: "matching grant", Grant: &gc}
		}
	}
	return CheckResult{Allowed: false, Reason: "no matching grant"}
}

// satisfies evaluates a grant's constraint map against a check context. Each
// constraint key names a context field; its value is interpreted as:
//   - "path:<glob>"  / "host:<glob>" — doublestar glob match against ctx[key]
//   - "range:<lo>-<hi>" — numeric range match against ctx[key]
//   - "suffix:<domain>" — host-suffix match: ctx[key] equals the domain or
//     ends in "."+domain (e.g. "internal.example.com" matches
//     "suffix:example.com")
//   - anything else — doublestar glob match, falling back to exact string
//     match
//
// An empty constraint map always satisfies (unconditional grant).
func satisfies(constraints map[string]string, ctx map[string]string) bool {
	for key, rule := range constraints {
		val, ok := ctx[key]
		if !ok {
			return false
		}
		if !satisfiesOne(rule, val) {
			return false
		}
	}
	return true
}

func satisfiesOne(rule, val string) bool {
	switch {
	case strings.HasPrefix(rule, "path:"), strings.HasPrefix(rule, "host:"):
		pattern := rule[strings.Index(rule, ":")+1:]
		ok, err := doublestar.Match(pattern, val)
		return err == nil && ok
	case strings.HasPrefix(rule, "suffix:"):
		suffix := strings.TrimPrefix(rule, "suffix:")
		return val == suffix || strings.HasSuffix(val, "."+suffix)
	case strings.HasPrefix(rule, "range:"):
		return inRange(strings.TrimPrefix(rule, "range:"), val)
	default:
		ok, err := doublestar.Match(rule, val)
		if err == nil && ok {
			return true
		}
		return rule == val
	}
}

func inRange(spec, val string) bool {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return false
	}
	lo, err1 := strconv.ParseFloat(parts[0], 64)
	hi, err2 := strconv.ParseFloat(parts[1], 64)
	v, err3 := strconv.ParseFloat(val, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	return v >= lo && v <= hi
}

// DefaultGrants returns the grants a freshly spawned agent receives for its
// manifest's requested capabilities, provided every requested capability is
// within the parent's authority (or there is no parent, i.e. a root agent).
// parentSandbox is nil for a root spawn.
func DefaultGrants(now time.Time, requested []manifest.Capability, grantorID string, parentSandbox *Sandbox) (grants []Grant, forbidden []manifest.Capability) {
	for _, c := range requested {
		if parentSandbox != nil {
			res := parentSandbox.Check(now, c, nil)
			if !res.Allowed {
				forbidden = append(forbidden, c)
				continue
			}
		}
		grants = append(grants, NewGrant(now, c, grantorID, nil, nil))
	}
	return grants, forbidden
}
