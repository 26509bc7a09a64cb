package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
	"github.com/kestrel-run/agentrt/pkg/audit"
	"github.com/kestrel-run/agentrt/pkg/manifest"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakePublisher) Publish(channel, eventType string, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

type memStore struct {
	mu   sync.Mutex
	data map[string]Checkpoint
}

func newMemStore() *memStore { return &memStore{data: make(map[string]Checkpoint)} }

func (s *memStore) SaveCheckpoint(ctx context.Context, ckpt Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[ckpt.Agent.ID] = ckpt
	return nil
}

func (s *memStore) LoadCheckpoint(ctx context.Context, id string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ckpt, ok := s.data[id]
	if !ok {
		return Checkpoint{}, apperrors.New(apperrors.NotFound, "no checkpoint for "+id)
	}
	return ckpt, nil
}

func testConfig() Config {
	return Config{
		MaxAgents:              10,
		HeartbeatTimeout:       time.Hour,
		HeartbeatProbeInterval: time.Hour,
		AutoCheckpointInterval: 0,
		ShutdownTimeout:        time.Second,
		TerminationDrain:       10 * time.Millisecond,
	}
}

func testManifest(id string, caps ...manifest.Capability) manifest.Manifest {
	return manifest.Manifest{
		ID:                     id,
		Version:                "0.1.0",
		RequestedCapabilities:  caps,
	}
}

func TestSpawnInitializeFullHappyPath(t *testing.T) {
	pub := &fakePublisher{}
	recorder := audit.NewRecorder(audit.NewRingSink(16))
	e := NewEngine(testConfig(), pub, newMemStore(), recorder, nil, nil)

	a, err := e.Spawn(context.Background(), testManifest("a1", "llm:chat"), "")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, a.State)

	a, err = e.Initialize(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReady, a.State)

	a, err = e.Start(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, a.State)
	assert.Equal(t, 1, a.Usage.ActiveRequests)

	a, err = e.Complete(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReady, a.State)
	assert.Equal(t, 0, a.Usage.ActiveRequests)
	assert.Equal(t, int64(1), a.Usage.SuccessCount)

	ok, err := e.Terminate(context.Background(), a.ID, "done")
	require.NoError(t, err)
	assert.True(t, ok)

	history := a.History
	assert.NotEmpty(t, history)
}

func TestTerminateIdempotent(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil, nil, nil, nil)
	a, err := e.Spawn(context.Background(), testManifest("a1"), "")
	require.NoError(t, err)

	ok, err := e.Terminate(context.Background(), a.ID, "first")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Terminate(context.Background(), a.ID, "second")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTerminateUnknownIsFalseNotError(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil, nil, nil, nil)
	ok, err := e.Terminate(context.Background(), "does-not-exist", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSpawnCapacityExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAgents = 1
	e := NewEngine(cfg, nil, nil, nil, nil, nil)

	_, err := e.Spawn(context.Background(), testManifest("a1"), "")
	require.NoError(t, err)

	_, err = e.Spawn(context.Background(), testManifest("a2"), "")
	require.Error(t, err)
	assert.Equal(t, apperrors.CapacityExceeded, apperrors.KindOf(err))
}

func TestSpawnManifestInvalid(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil, nil, nil, nil)
	bad := manifest.Manifest{ID: "", Version: "0.1.0"}
	_, err := e.Spawn(context.Background(), bad, "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ManifestInvalid, apperrors.KindOf(err))
}

func TestSpawnForbidsCapabilityOutsideParentAuthority(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil, nil, nil, nil)
	parent, err := e.Spawn(context.Background(), testManifest("parent", "llm:chat"), "")
	require.NoError(t, err)

	_, err = e.Spawn(context.Background(), testManifest("child", "shell:exec"), parent.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ForbiddenCapability, apperrors.KindOf(err))
}

func TestIllegalTransitionIsBadState(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil, nil, nil, nil)
	a, err := e.Spawn(context.Background(), testManifest("a1"), "")
	require.NoError(t, err)

	_, err = e.Start(context.Background(), a.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.BadState, apperrors.KindOf(err))
}

func TestRecordUsageAccumulatesAndSlidesWindow(t *testing.T) {
	cfg := testConfig()
	cfg.ModelPrices = map[string]ModelPrice{"m1": {InputPerToken: 0.001, OutputPerToken: 0.002}}
	e := NewEngine(cfg, nil, nil, nil, nil, nil)
	fixed := time.Unix(1000, 0)
	e.clock = func() time.Time { return fixed }

	a, err := e.Spawn(context.Background(), testManifest("a1"), "")
	require.NoError(t, err)

	e.RecordUsage(a.ID, "m1", 100, 200)
	got, err := e.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Usage.InputTokens)
	assert.Equal(t, int64(200), got.Usage.OutputTokens)
	assert.Equal(t, int64(1), got.Usage.RequestCount)
	assert.InDelta(t, 0.1+0.4, got.Usage.EstimatedCostUSD, 1e-9)

	e.clock = func() time.Time { return fixed.Add(2 * time.Minute) }
	e.RecordUsage(a.ID, "m1", 50, 50)
	got, err = e.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Usage.TokensThisMinute)
	assert.Equal(t, int64(2), got.Usage.RequestCount)
}

func TestRecordUsageUnknownIDIgnored(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil, nil, nil, nil)
	assert.NotPanics(t, func() {
		e.RecordUsage("unknown", "m1", 1, 1)
	})
}

func TestCheckpointRecoverRoundTrip(t *testing.T) {
	store := newMemStore()
	e := NewEngine(testConfig(), nil, store, nil, nil, nil)

	a, err := e.Spawn(context.Background(), testManifest("a1", "llm:chat"), "")
	require.NoError(t, err)
	a, err = e.Initialize(context.Background(), a.ID)
	require.NoError(t, err)
	a, err = e.Start(context.Background(), a.ID)
	require.NoError(t, err)
	e.RecordUsage(a.ID, "m1", 100, 200)

	ckpt, err := e.Checkpoint(context.Background(), a.ID)
	require.NoError(t, err)

	e2 := NewEngine(testConfig(), nil, store, nil, nil, nil)
	recovered, err := e2.RecoverFromCheckpoint(context.Background(), ckpt)
	require.NoError(t, err)
	assert.Equal(t, a.ID, recovered.ID)
	assert.Equal(t, StateRunning, recovered.State)
	assert.Equal(t, int64(100), recovered.Usage.InputTokens)
	assert.Equal(t, int64(200), recovered.Usage.OutputTokens)
	assert.Len(t, recovered.History, len(a.History))
}

func TestRecoverFromCheckpointConflictWhenAlreadyLive(t *testing.T) {
	store := newMemStore()
	e := NewEngine(testConfig(), nil, store, nil, nil, nil)
	a, err := e.Spawn(context.Background(), testManifest("a1"), "")
	require.NoError(t, err)
	ckpt, err := e.Checkpoint(context.Background(), a.ID)
	require.NoError(t, err)

	_, err = e.RecoverFromCheckpoint(context.Background(), ckpt)
	require.Error(t, err)
	assert.Equal(t, apperrors.Conflict, apperrors.KindOf(err))
}

func TestCapabilityCheckAuditsAndReports(t *testing.T) {
	ring := audit.NewRingSink(32)
	recorder := audit.NewRecorder(ring)
	e := NewEngine(testConfig(), nil, nil, recorder, nil, nil)

	a, err := e.Spawn(context.Background(), testManifest("a1", "llm:chat"), "")
	require.NoError(t, err)

	res, err := e.CheckCapability(a.ID, "llm:chat", nil)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = e.CheckCapability(a.ID, "memory.write", nil)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	var sawCapabilityEvent bool
	for _, ev := range ring.Recent() {
		if ev.Category == audit.CategoryCapability {
			sawCapabilityEvent = true
		}
	}
	assert.True(t, sawCapabilityEvent)
}

func TestShutdownCheckpointsAndTerminatesAll(t *testing.T) {
	store := newMemStore()
	e := NewEngine(testConfig(), nil, store, nil, nil, nil)

	a1, err := e.Spawn(context.Background(), testManifest("a1"), "")
	require.NoError(t, err)
	a2, err := e.Spawn(context.Background(), testManifest("a2"), "")
	require.NoError(t, err)

	e.Shutdown(context.Background())

	assert.Equal(t, 0, e.liveCount())
	_, err = store.LoadCheckpoint(context.Background(), a1.ID)
	assert.NoError(t, err)
	_, err = store.LoadCheckpoint(context.Background(), a2.ID)
	assert.NoError(t, err)

	_, err = e.Spawn(context.Background(), testManifest("a3"), "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ShutdownInProgress, apperrors.KindOf(err))
}
