package lifecycle

import (
	"time"

	"github.com/kestrel-run/agentrt/pkg/capability"
	"github.com/kestrel-run/agentrt/pkg/manifest"
)

// Transition records one realized state-machine edge, per spec §4.1 ("every
// realized transition appends a record (from, to, event, reason, timestamp)
// to the agent's history").
type Transition struct {
	From      State
	To        State
	Event     Event
	Reason    string
	Timestamp time.Time
}

// Usage tracks the sliding-minute-window resource accounting described in
// spec §4.1's "Resource accounting" note.
type Usage struct {
	WindowStart      time.Time
	TokensThisMinute int64
	InputTokens      int64
	OutputTokens     int64
	RequestCount     int64
	EstimatedCostUSD float64
	ActiveRequests   int
	SuccessCount     int64
	ErrorCount       int64
}

// Agent is the externally visible snapshot of one lifecycle-managed agent.
// It is only ever mutated under the owning supervisor's mutex; callers
// receive copies via Engine accessor methods.
type Agent struct {
	ID         string
	Manifest   manifest.Manifest
	ParentID   string
	HomeNode   string
	State      State
	History    []Transition
	Usage      Usage
	Sandbox    *capability.Sandbox
	CustomData map[string]any

	CreatedAt     time.Time
	LastHeartbeat time.Time
}

// ModelPrice is the per-model unit pricing table entry RecordUsage consults
// to estimate cost, per spec §4.1.
type ModelPrice struct {
	InputPerToken  float64
	OutputPerToken float64
}

// clone returns a deep-enough copy of a for safe external use — slices and
// the sandbox are copied so a caller can't mutate supervisor-owned state.
func (a *Agent) clone() *Agent {
	cp := *a
	cp.History = append([]Transition(nil), a.History...)
	if a.Sandbox != nil {
		cp.Sandbox = capability.NewSandbox()
		for _, g := range a.Sandbox.Grants() {
			cp.Sandbox.Grant(g)
		}
	}
	if a.CustomData != nil {
		cp.CustomData = make(map[string]any, len(a.CustomData))
		for k, v := range a.CustomData {
			cp.CustomData[k] = v
		}
	}
	return &cp
}
