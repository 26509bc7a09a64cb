package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchive struct {
	mu       sync.Mutex
	archived []Memory
}

func (a *fakeArchive) Archive(ctx context.Context, m Memory) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, m)
	return nil
}

func TestRetentionSweepDeletesRowsPastWindow(t *testing.T) {
	s, repo, _ := newTestStore()
	old := episodicMemory("agent-1")
	old.Shared.CreatedAt = time.Now().Add(-48 * time.Hour)
	saved, err := s.Save(context.Background(), old)
	require.NoError(t, err)
	// Save keeps a non-zero CreatedAt; write the old timestamp straight to the
	// repository as well so the row is certainly past the window.
	saved.Shared.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, repo.Upsert(context.Background(), saved))

	fresh := episodicMemory("agent-1")
	_, err = s.Save(context.Background(), fresh)
	require.NoError(t, err)

	sweeper := NewSweeper(s, RetentionWindows{Episodic: 24 * time.Hour}, nil)
	require.NoError(t, sweeper.RunOnce(context.Background()))

	rows, _ := repo.ListByOwner(context.Background(), "agent-1", nil)
	assert.Len(t, rows, 1)
}

func TestRetentionSweepArchivesPastArchiveWindow(t *testing.T) {
	s, repo, _ := newTestStore()
	veryOld := episodicMemory("agent-1")
	veryOld.Episodic.Context = "a very long context string that should be truncated by the archive writer"
	saved, err := s.Save(context.Background(), veryOld)
	require.NoError(t, err)
	saved.Shared.CreatedAt = time.Now().Add(-90 * 24 * time.Hour)
	require.NoError(t, repo.Upsert(context.Background(), saved))

	archive := &fakeArchive{}
	sweeper := NewSweeper(s, RetentionWindows{
		Episodic:         24 * time.Hour,
		ArchiveAfter:     30 * 24 * time.Hour,
		ArchiveTextLimit: 10,
	}, archive)

	require.NoError(t, sweeper.RunOnce(context.Background()))

	require.Len(t, archive.archived, 1)
	assert.LessOrEqual(t, len([]rune(archive.archived[0].Episodic.Context)), 10)

	_, ok, _ := repo.Get(context.Background(), saved.Shared.ID)
	assert.False(t, ok)
}

func TestRetentionSweepSkipsKindsWithNoWindowConfigured(t *testing.T) {
	s, repo, _ := newTestStore()
	old := episodicMemory("agent-1")
	saved, err := s.Save(context.Background(), old)
	require.NoError(t, err)
	saved.Shared.CreatedAt = time.Now().Add(-365 * 24 * time.Hour)
	require.NoError(t, repo.Upsert(context.Background(), saved))

	sweeper := NewSweeper(s, RetentionWindows{}, nil)
	require.NoError(t, sweeper.RunOnce(context.Background()))

	_, ok, _ := repo.Get(context.Background(), saved.Shared.ID)
	assert.True(t, ok, "zero window means retention is disabled for that kind")
}
