package lifecycle

import (
	"context"
	"time"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
	"github.com/kestrel-run/agentrt/pkg/audit"
)

// Checkpoint is the atomically-written snapshot spec §4.1 describes:
// "serializes manifest, state, transition history, usage, grants, custom
// data".
type Checkpoint struct {
	Agent   Agent
	SavedAt time.Time
}

// CheckpointStore persists and retrieves checkpoints. Implementations live
// in pkg/store; this interface only names the shape the engine depends on,
// matching the "typed handle" design note that keeps lifecycle decoupled
// from any particular storage backend.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, ckpt Checkpoint) error
	LoadCheckpoint(ctx context.Context, id string) (Checkpoint, error)
}

// Checkpoint serializes and persists the current state of agent id.
func (e *Engine) Checkpoint(ctx context.Context, id string) (Checkpoint, error) {
	if e.store == nil {
		return Checkpoint{}, apperrors.New(apperrors.StoreUnavailable, "no checkpoint store configured")
	}
	sv, err := e.lookup(id)
	if err != nil {
		return Checkpoint{}, err
	}

	sv.mu.Lock()
	snapshot := *sv.agent.clone()
	sv.mu.Unlock()

	ckpt := Checkpoint{Agent: snapshot, SavedAt: e.clock()}
	if err := e.store.SaveCheckpoint(ctx, ckpt); err != nil {
		return Checkpoint{}, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return ckpt, nil
}

// RecoverFromCheckpoint rehydrates a live agent from a previously saved
// checkpoint with an identical id, state, history, usage, and grants. This
// is distinct from Recover(ctx, id) — the error-state transition — per the
// Open Question in spec §9 about the source's overlapping recover/recover2
// methods.
func (e *Engine) RecoverFromCheckpoint(ctx context.Context, ckpt Checkpoint) (*Agent, error) {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ShutdownInProgress, "engine is shutting down")
	}
	if _, exists := e.supervisors[ckpt.Agent.ID]; exists {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.Conflict, "agent already live: "+ckpt.Agent.ID)
	}
	if len(e.supervisors) >= e.cfg.MaxAgents {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.CapacityExceeded, "max agent count reached")
	}

	restored := ckpt.Agent
	restored.LastHeartbeat = e.clock()
	sv := &supervisor{
		agent:          &restored,
		stopHeartbeat:  make(chan struct{}),
		stopCheckpoint: make(chan struct{}),
	}
	e.supervisors[restored.ID] = sv
	e.mu.Unlock()

	e.startBackgroundTasks(sv)

	if e.metrics != nil {
		e.metrics.AgentsLive.Inc()
	}
	e.record(audit.CategoryLifecycle, restored.ID, "recover_from_checkpoint", "agent:"+restored.ID, "ok", nil)
	e.publish("recovered", map[string]any{"agentId": restored.ID, "state": restored.State})

	return restored.clone(), nil
}

// LoadAndRecover reads a checkpoint from the store and rehydrates it.
func (e *Engine) LoadAndRecover(ctx context.Context, id string) (*Agent, error) {
	if e.store == nil {
		return nil, apperrors.New(apperrors.StoreUnavailable, "no checkpoint store configured")
	}
	ckpt, err := e.store.LoadCheckpoint(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return e.RecoverFromCheckpoint(ctx, ckpt)
}
