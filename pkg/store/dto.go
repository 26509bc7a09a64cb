// Package store defines the serialization DTOs shared by every persistence
// backend (pkg/store/boltstore, pkg/store/pgstore) so the on-disk/row shape
// of a checkpoint or memory row is defined once, not duplicated per backend.
// Backends themselves implement lifecycle.CheckpointStore and
// memory.Repository directly; this package only owns the encode/decode
// boundary between those domain types and bytes.
package store

import (
	"encoding/json"
	"time"

	"github.com/kestrel-run/agentrt/pkg/capability"
	"github.com/kestrel-run/agentrt/pkg/lifecycle"
	"github.com/kestrel-run/agentrt/pkg/manifest"
	"github.com/kestrel-run/agentrt/pkg/memory"
)

// GrantRecord is the serializable form of a capability.Grant. Grant's
// internal grantedAt timestamp is not part of Check's matching logic (only
// slice order is), so it is reconstructed at load time rather than round
// tripped.
type GrantRecord struct {
	Capability  manifest.Capability `json:"capability"`
	GrantorID   string              `json:"grantorId"`
	Expiry      *time.Time          `json:"expiry,omitempty"`
	Constraints map[string]string   `json:"constraints,omitempty"`
}

// AgentRecord is the serializable form of a lifecycle.Checkpoint, matching
// the `agents` / `agent_state_history` logical tables from spec §6.
type AgentRecord struct {
	ID            string              `json:"id"`
	Manifest      manifest.Manifest   `json:"manifest"`
	ParentID      string              `json:"parentId,omitempty"`
	HomeNode      string              `json:"homeNode,omitempty"`
	State         lifecycle.State     `json:"state"`
	History       []lifecycle.Transition `json:"history"`
	Usage         lifecycle.Usage     `json:"usage"`
	Grants        []GrantRecord       `json:"grants"`
	CustomData    map[string]any      `json:"customData,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	LastHeartbeat time.Time           `json:"lastHeartbeat"`
	SavedAt       time.Time           `json:"savedAt"`
}

// EncodeCheckpoint converts a lifecycle.Checkpoint into its wire form.
func EncodeCheckpoint(ckpt lifecycle.Checkpoint) AgentRecord {
	a := ckpt.Agent
	var grants []GrantRecord
	if a.Sandbox != nil {
		for _, g := range a.Sandbox.Grants() {
			grants = append(grants, GrantRecord{
				Capability: g.Capability, GrantorID: g.GrantorID,
				Expiry: g.Expiry, Constraints: g.Constraints,
			})
		}
	}
	return AgentRecord{
		ID: a.ID, Manifest: a.Manifest, ParentID: a.ParentID, HomeNode: a.HomeNode,
		State: a.State, History: a.History, Usage: a.Usage, Grants: grants,
		CustomData: a.CustomData, CreatedAt: a.CreatedAt, LastHeartbeat: a.LastHeartbeat,
		SavedAt: ckpt.SavedAt,
	}
}

// DecodeCheckpoint reverses EncodeCheckpoint, rebuilding the Sandbox by
// replaying grants in their recorded order.
func DecodeCheckpoint(r AgentRecord) lifecycle.Checkpoint {
	sandbox := capability.NewSandbox()
	for _, g := range r.Grants {
		sandbox.Grant(capability.NewGrant(r.SavedAt, g.Capability, g.GrantorID, g.Expiry, g.Constraints))
	}
	return lifecycle.Checkpoint{
		Agent: lifecycle.Agent{
			ID: r.ID, Manifest: r.Manifest, ParentID: r.ParentID, HomeNode: r.HomeNode,
			State: r.State, History: r.History, Usage: r.Usage, Sandbox: sandbox,
			CustomData: r.CustomData, CreatedAt: r.CreatedAt, LastHeartbeat: r.LastHeartbeat,
		},
		SavedAt: r.SavedAt,
	}
}

// MemoryRecord is the serializable form of a memory.Memory row, flattening
// the three kind-specific pointers into optional JSON blobs so a single
// table/bucket can hold all three kinds, matching how Store.Repository
// treats them uniformly.
type MemoryRecord struct {
	ID             string            `json:"id"`
	OwnerAgentID   string            `json:"ownerAgentId"`
	Kind           memory.Kind       `json:"kind"`
	Scope          memory.Scope      `json:"scope"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastAccessedAt time.Time         `json:"lastAccessedAt"`
	AccessCount    int64             `json:"accessCount"`
	Importance     float64           `json:"importance"`
	Strength       float64           `json:"strength"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Embedding      []float32         `json:"embedding,omitempty"`
	Episodic       *memory.Episodic  `json:"episodic,omitempty"`
	Semantic       *memory.Semantic  `json:"semantic,omitempty"`
	Procedural     *memory.Procedural `json:"procedural,omitempty"`
}

// EncodeMemory converts a memory.Memory into its wire form.
func EncodeMemory(m memory.Memory) MemoryRecord {
	r := MemoryRecord{
		ID: m.Shared.ID, OwnerAgentID: m.Shared.OwnerAgentID, Kind: m.Shared.Kind, Scope: m.Shared.Scope,
		CreatedAt: m.Shared.CreatedAt, LastAccessedAt: m.Shared.LastAccessedAt, AccessCount: m.Shared.AccessCount,
		Importance: m.Shared.Importance, Strength: m.Shared.Strength, Tags: m.Shared.Tags,
		Metadata: m.Shared.Metadata, Embedding: m.Shared.Embedding,
	}
	if m.Episodic != nil {
		e := *m.Episodic
		e.Shared = memory.Shared{}
		r.Episodic = &e
	}
	if m.Semantic != nil {
		s := *m.Semantic
		s.Shared = memory.Shared{}
		r.Semantic = &s
	}
	if m.Procedural != nil {
		p := *m.Procedural
		p.Shared = memory.Shared{}
		r.Procedural = &p
	}
	return r
}

// DecodeMemory reverses EncodeMemory.
func DecodeMemory(r MemoryRecord) memory.Memory {
	shared := memory.Shared{
		ID: r.ID, OwnerAgentID: r.OwnerAgentID, Kind: r.Kind, Scope: r.Scope,
		CreatedAt: r.CreatedAt, LastAccessedAt: r.LastAccessedAt, AccessCount: r.AccessCount,
		Importance: r.Importance, Strength: r.Strength, Tags: r.Tags, Metadata: r.Metadata, Embedding: r.Embedding,
	}
	m := memory.Memory{Shared: shared}
	if r.Episodic != nil {
		e := *r.Episodic
		e.Shared = shared
		m.Episodic = &e
	}
	if r.Semantic != nil {
		s := *r.Semantic
		s.Shared = shared
		m.Semantic = &s
	}
	if r.Procedural != nil {
		p := *r.Procedural
		p.Shared = shared
		m.Procedural = &p
	}
	return m
}

// MarshalJSON / UnmarshalJSON-style helpers used by backends that store an
// opaque blob (bbolt) rather than typed columns (pgx).
func MarshalRecord(v any) ([]byte, error)   { return json.Marshal(v) }
func UnmarshalRecord(b []byte, v any) error { return json.Unmarshal(b, v) }
