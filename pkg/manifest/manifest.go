// Package manifest defines the immutable AgentManifest input and the
// capability vocabulary it is validated against.
package manifest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Capability is a named permission gated by the sandbox, e.g. "llm:chat" or
// "file:read". The vocabulary is closed: Spawn rejects manifests that name a
// capability outside it.
type Capability string

// Vocabulary is the set of capabilities the runtime knows about. It is a var,
// not a const, so a deployment can register additional capabilities (e.g. a
// new MCP tool family) at startup before any agent is spawned.
var Vocabulary = map[Capability]bool{
	"llm:chat":       true,
	"llm:stream":     true,
	"memory.read":    true,
	"memory.write":   true,
	"file:read":      true,
	"file:write":     true,
	"network:egress": true,
	"shell:exec":     true,
	"secret:read":    true,
}

// RegisterCapability adds a capability to the known vocabulary. Intended for
// startup-time extension only; it is not safe to call concurrently with
// Spawn.
func RegisterCapability(c Capability) {
	Vocabulary[c] = true
}

// KnownCapability reports whether c is in the vocabulary.
func KnownCapability(c Capability) bool {
	return Vocabulary[c]
}

// Version is a parsed major.minor.patch manifest version.
type Version struct {
	Major, Minor, Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

var versionRe = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)$`)

// ParseVersion parses a strict major.minor.patch string.
func ParseVersion(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, fmt.Errorf("version %q is not major.minor.patch", s)
	}
	maj, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	pat, _ := strconv.Atoi(m[3])
	return Version{Major: maj, Minor: min, Patch: pat}, nil
}

// ResourceLimits overrides the global defaults for one agent. A zero value
// for any field means "use the default / global value"; callers merge with
// MergeLimits rather than assuming zero means unlimited.
type ResourceLimits struct {
	TokensPerMinute      int64
	MaxTokensPerRequest  int64
	MaxMemoryBytes       int64
	MaxConcurrentReqs    int
	DailyCostCeilingUSD  float64
}

// MergeLimits layers manifest overrides onto global, then defaults, picking
// the first non-zero value for each field in that priority order (manifest
// wins, then global, then default), matching §3's "merged defaults ← global
// ← manifest".
func MergeLimits(defaults, global, manifestOverride ResourceLimits) ResourceLimits {
	pick := func(d, g, m int64) int64 {
		if m != 0 {
			return m
		}
		if g != 0 {
			return g
		}
		return d
	}
	pickInt := func(d, g, m int) int {
		if m != 0 {
			return m
		}
		if g != 0 {
			return g
		}
		return d
	}
	pickF := func(d, g, m float64) float64 {
		if m != 0 {
			return m
		}
		if g != 0 {
			return g
		}
		return d
	}
	return ResourceLimits{
		TokensPerMinute:     pick(defaults.TokensPerMinute, global.TokensPerMinute, manifestOverride.TokensPerMinute),
		MaxTokensPerRequest: pick(defaults.MaxTokensPerRequest, global.MaxTokensPerRequest, manifestOverride.MaxTokensPerRequest),
		MaxMemoryBytes:      pick(defaults.MaxMemoryBytes, global.MaxMemoryBytes, manifestOverride.MaxMemoryBytes),
		MaxConcurrentReqs:   pickInt(defaults.MaxConcurrentReqs, global.MaxConcurrentReqs, manifestOverride.MaxConcurrentReqs),
		DailyCostCeilingUSD: pickF(defaults.DailyCostCeilingUSD, global.DailyCostCeilingUSD, manifestOverride.DailyCostCeilingUSD),
	}
}

// EntryPoint optionally identifies code to run inside the sandbox during
// Initialize.
type EntryPoint struct {
	Reference string
	Args      map[string]string
}

// Manifest is the immutable declaration of an agent's identity, requested
// capabilities and resource overrides.
type Manifest struct {
	ID                   string
	Version              string
	Description          string
	RequestedCapabilities []Capability
	LimitOverrides       ResourceLimits
	EntryPoint           *EntryPoint
	Signature            string
}

// Validate checks the manifest's structural invariants: a parseable version
// and a capability set drawn entirely from the known vocabulary. It does not
// check authority to grant those capabilities — that is Spawn's job, since it
// needs the parent agent's grants.
func (m Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest id is required")
	}
	if _, err := ParseVersion(m.Version); err != nil {
		return fmt.Errorf("manifest %s: %w", m.ID, err)
	}
	for _, c := range m.RequestedCapabilities {
		if !KnownCapability(c) {
			return fmt.Errorf("manifest %s: unknown capability %q", m.ID, c)
		}
	}
	return nil
}
