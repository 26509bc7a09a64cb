// Package policy implements the ordered rule-evaluation engine from spec
// §4.6: rules are grouped by resource class, evaluated in priority order
// within a class, and resolve to allow/block/approve. It mirrors the
// fail-closed, ordered-application shape of tarsy's masking service
// (pkg/masking/service.go resolvePatterns + applyMasking), generalized from
// string masking to policy decisions.
package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ResourceClass partitions rules the way spec §4.6 does.
type ResourceClass string

const (
	ClassFile    ResourceClass = "file"
	ClassNetwork ResourceClass = "network"
	ClassShell   ResourceClass = "shell"
	ClassSecret  ResourceClass = "secret"
)

// Decision is the outcome of evaluating a request against the rule set.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionBlock   Decision = "block"
	DecisionApprove Decision = "approve"
)

// Rule is one ordered policy rule within a ResourceClass. Pattern is matched
// against Request.Resource with doublestar glob semantics (so "net/**",
// "/data/**" etc. work the same way capability constraints do).
type Rule struct {
	Class    ResourceClass
	Priority int // lower runs first within the class
	Pattern  string
	Decision Decision
}

// Request describes the thing being evaluated.
type Request struct {
	Class    ResourceClass
	Resource string
	AgentID  string
}

// Verdict is the result returned to the caller.
type Verdict struct {
	Decision Decision
	Rule     *Rule // nil when no rule matched (implicit block)
	Reason   string
}

// ApprovalHandler is invoked for rules whose Decision is DecisionApprove. It
// must return within the context deadline; an unconfigured handler forces a
// block per spec §4.6 ("approve without a configured handler is treated as
// block").
type ApprovalHandler func(ctx context.Context, req Request, rule Rule) (bool, error)

// Engine evaluates requests against an ordered rule set.
type Engine struct {
	mu              sync.RWMutex
	rules           map[ResourceClass][]Rule
	approvalHandler ApprovalHandler
	approvalTimeout time.Duration
}

// NewEngine builds an empty Engine. Rules are added with AddRule.
func NewEngine() *Engine {
	return &Engine{
		rules:           make(map[ResourceClass][]Rule),
		approvalTimeout: 30 * time.Second,
	}
}

// SetApprovalHandler installs the external approval callback used for
// DecisionApprove rules, and the timeout bounding how long Evaluate waits
// for it.
func (e *Engine) SetApprovalHandler(h ApprovalHandler, timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.approvalHandler = h
	if timeout > 0 {
		e.approvalTimeout = timeout
	}
}

// AddRule appends a rule and keeps its class's rule slice sorted by
// priority (stable, so equal-priority rules preserve insertion order).
func (e *Engine) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs := append(e.rules[r.Class], r)
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority < rs[j].Priority })
	e.rules[r.Class] = rs
}

// Evaluate finds the first matching rule (by priority order) for req's class
// and resolves it to a Verdict. No match is an implicit block — the policy
// engine is fail-closed.
func (e *Engine) Evaluate(ctx context.Context, req Request) Verdict {
	e.mu.RLock()
	rules := e.rules[req.Class]
	handler := e.approvalHandler
	timeout := e.approvalTimeout
	e.mu.RUnlock()

	for i := range rules {
		r := rules[i]
		matched, err := doublestar.Match(r.Pattern, req.Resource)
		if err != nil || !matched {
			continue
		}

		switch r.Decision {
		case DecisionAllow, DecisionBlock:
			return Verdict{Decision: r.Decision, Rule: &r, Reason: "matched rule"}
		case DecisionApprove:
			if handler == nil {
				return Verdict{Decision: DecisionBlock, Rule: &r, Reason: "approve rule with no approval handler configured"}
			}
			actx, cancel := context.WithTimeout(ctx, timeout)
			approved, err := handler(actx, req, r)
			cancel()
			if err != nil || !approved {
				return Verdict{Decision: DecisionBlock, Rule: &r, Reason: "approval denied or timed out"}
			}
			return Verdict{Decision: DecisionAllow, Rule: &r, Reason: "approved"}
		}
	}

	return Verdict{Decision: DecisionBlock, Reason: "no matching rule"}
}
