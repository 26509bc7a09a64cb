package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
	"github.com/kestrel-run/agentrt/pkg/capability"
	"github.com/kestrel-run/agentrt/pkg/lifecycle"
	"github.com/kestrel-run/agentrt/pkg/manifest"
	"github.com/kestrel-run/agentrt/pkg/memory"
)

func newTestStore(t *testing.T) *Store {
	path := filepath.Join(t.TempDir(), "agentrt.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCheckpointSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ckpt := lifecycle.Checkpoint{
		Agent: lifecycle.Agent{
			ID:        "agent-1",
			Manifest:  manifest.Manifest{ID: "m1", Version: "1.0.0"},
			State:     lifecycle.StateReady,
			Sandbox:   capability.NewSandbox(),
			CreatedAt: time.Now(), LastHeartbeat: time.Now(),
		},
		SavedAt: time.Now(),
	}

	require.NoError(t, s.SaveCheckpoint(ctx, ckpt))

	loaded, err := s.LoadCheckpoint(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", loaded.Agent.ID)
	assert.Equal(t, lifecycle.StateReady, loaded.Agent.State)
}

func TestLoadCheckpointUnknownIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadCheckpoint(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, apperrors.NotFound, apperrors.KindOf(err))
}

func TestMemoryCRUDRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := memory.Memory{
		Shared: memory.Shared{
			ID: "mem-1", OwnerAgentID: "agent-1", Kind: memory.KindEpisodic, Scope: memory.ScopePrivate,
			CreatedAt: time.Now(), LastAccessedAt: time.Now(), Importance: 0.5, Strength: 0.5,
		},
		Episodic: &memory.Episodic{Event: "deployed", Context: "prod", Outcome: "ok", Success: true},
	}
	require.NoError(t, s.Upsert(ctx, m))

	got, ok, err := s.Get(ctx, "mem-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "deployed", got.Episodic.Event)

	rows, err := s.ListByOwner(ctx, "agent-1", []memory.Kind{memory.KindEpisodic})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.NoError(t, s.Delete(ctx, "mem-1"))
	_, ok, err = s.Get(ctx, "mem-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryListOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := memory.Memory{
		Shared: memory.Shared{ID: "old", OwnerAgentID: "a", Kind: memory.KindSemantic, CreatedAt: time.Now().Add(-48 * time.Hour)},
		Semantic: &memory.Semantic{Subject: "x", Predicate: "y", Object: "z"},
	}
	fresh := memory.Memory{
		Shared: memory.Shared{ID: "fresh", OwnerAgentID: "a", Kind: memory.KindSemantic, CreatedAt: time.Now()},
		Semantic: &memory.Semantic{Subject: "x", Predicate: "y", Object: "z"},
	}
	require.NoError(t, s.Upsert(ctx, old))
	require.NoError(t, s.Upsert(ctx, fresh))

	rows, err := s.ListOlderThan(ctx, memory.KindSemantic, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "old", rows[0].Shared.ID)
}
