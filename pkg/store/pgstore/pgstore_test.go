//go:build integration

package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kestrel-run/agentrt/pkg/capability"
	"github.com/kestrel-run/agentrt/pkg/lifecycle"
	"github.com/kestrel-run/agentrt/pkg/manifest"
	"github.com/kestrel-run/agentrt/pkg/memory"
)

// newTestStore spins up a disposable Postgres container via testcontainers,
// the same pattern tarsy's test/database/client.go uses for its ent
// client, applied here to pgstore.Store directly.
func newTestStore(t *testing.T) *Store {
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("agentrt_test"),
		postgres.WithUsername("agentrt"),
		postgres.WithPassword("agentrt"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	s, err := New(ctx, Config{
		Host: host, Port: port.Int(), User: "agentrt", Password: "agentrt",
		Database: "agentrt_test", SSLMode: "disable",
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestCheckpointSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ckpt := lifecycle.Checkpoint{
		Agent: lifecycle.Agent{
			ID:       "agent-1",
			Manifest: manifest.Manifest{ID: "m1", Version: "1.0.0"},
			State:    lifecycle.StateReady,
			Sandbox:  capability.NewSandbox(),
			History: []lifecycle.Transition{
				{From: lifecycle.StateCreated, To: lifecycle.StateInitializing, Event: lifecycle.EventInitialize, Timestamp: time.Now()},
			},
			CreatedAt: time.Now(), LastHeartbeat: time.Now(),
		},
		SavedAt: time.Now(),
	}

	require.NoError(t, s.SaveCheckpoint(ctx, ckpt))

	loaded, err := s.LoadCheckpoint(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, "agent-1", loaded.Agent.ID)
	require.Equal(t, lifecycle.StateReady, loaded.Agent.State)
}

func TestMemoryUpsertGetDeleteRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := memory.Memory{
		Shared: memory.Shared{
			ID: "mem-1", OwnerAgentID: "agent-1", Kind: memory.KindSemantic, Scope: memory.ScopePrivate,
			CreatedAt: time.Now(), LastAccessedAt: time.Now(), Importance: 0.5, Strength: 0.5,
		},
		Semantic: &memory.Semantic{Subject: "go", Predicate: "is", Object: "fun"},
	}
	require.NoError(t, s.Upsert(ctx, m))

	got, ok, err := s.Get(ctx, "mem-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fun", got.Semantic.Object)

	rows, err := s.ListByOwner(ctx, "agent-1", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, s.Delete(ctx, "mem-1"))
	_, ok, err = s.Get(ctx, "mem-1")
	require.NoError(t, err)
	require.False(t, ok)
}
