// Package memory implements the Persistent Memory Store from spec §4.4:
// three memory kinds sharing a schema prefix, strength decay/increase on
// access, optional AES-256-GCM encryption with per-owner scrypt-derived
// sub-keys, vector k-NN query with a text-search fallback, and a retention
// sweep. Table access is grounded on tarsy's pkg/database/client.go
// query-then-mutate idiom; the sweep scheduling uses robfig/cron the same
// way the rest of the domain stack adopts it for periodic background jobs.
package memory

import (
	"strings"
	"time"
)

// Kind distinguishes the three memory variants from spec §3.
type Kind string

const (
	KindEpisodic   Kind = "episodic"
	KindSemantic   Kind = "semantic"
	KindProcedural Kind = "procedural"
)

// Scope controls visibility of a memory beyond its owning agent.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopeShared  Scope = "shared"
	ScopePublic  Scope = "public"
)

// Shared holds the fields common to every memory kind, per spec §3.
type Shared struct {
	ID             string
	OwnerAgentID   string
	Kind           Kind
	Scope          Scope
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	Importance     float64
	Strength       float64
	Tags           []string
	Metadata       map[string]string
	Embedding      []float32
}

// Episodic is an event-with-context memory.
type Episodic struct {
	Shared
	Event          string
	Context        string
	Outcome        string
	Success        bool
	Valence        float64
	SessionID      string
	RelatedEpisodes []string
}

// Semantic is a (subject, predicate, object) fact memory.
type Semantic struct {
	Shared
	Subject         string
	Predicate       string
	Object          string
	Confidence      float64
	Source          string
	VerifiedAt      time.Time
	RelatedConcepts []string
}

// Procedural is a named, ordered-steps skill memory.
type Procedural struct {
	Shared
	Name           string
	Description    string
	Trigger        string
	Steps          []string
	Inputs         []string
	Outputs        []string
	SuccessRate    float64
	ExecutionCount int64
	Version        string
	Active         bool
}

// Memory is the unified view Save/Get/Update/Delete/Query operate on. Only
// the fields relevant to m.Shared.Kind are populated in the kind-specific
// pointers.
type Memory struct {
	Shared
	Episodic   *Episodic
	Semantic   *Semantic
	Procedural *Procedural
}

// indexableText returns the text fields eligible for the case-insensitive
// substring fallback search, per kind.
func (m Memory) indexableText() string {
	switch m.Shared.Kind {
	case KindEpisodic:
		if m.Episodic == nil {
			return ""
		}
		return m.Episodic.Event + " " + m.Episodic.Context + " " + m.Episodic.Outcome
	case KindSemantic:
		if m.Semantic == nil {
			return ""
		}
		return m.Semantic.Subject + " " + m.Semantic.Predicate + " " + m.Semantic.Object
	case KindProcedural:
		if m.Procedural == nil {
			return ""
		}
		return m.Procedural.Name + " " + m.Procedural.Description + " " + m.Procedural.Trigger
	}
	return ""
}

func (m Memory) matchesText(needle string) bool {
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(m.indexableText()), strings.ToLower(needle))
}

// strengthAfterAccess implements spec §3's "strength monotonically decays
// with wall time between accesses and increases on each successful read".
func strengthAfterAccess(now, lastAccessed time.Time, current float64, accessCount int64) float64 {
	elapsed := now.Sub(lastAccessed)
	decay := elapsed.Hours() / (24 * 30) * 0.05 // ~5%/month idle decay
	decayed := current * (1 - clamp01(decay))
	boosted := decayed + (1-decayed)*0.1 // access boosts 10% of remaining headroom
	_ = accessCount
	return clamp01(boosted)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
