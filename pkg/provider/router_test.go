package provider

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
)

type fakeProvider struct {
	id        string
	models    []string
	available bool
	calls     int64
	chatFn    func(ctx context.Context, req Request) (Response, error)
}

func (f *fakeProvider) ID() string                                 { return f.id }
func (f *fakeProvider) Name() string                                { return f.id }
func (f *fakeProvider) ModelIDs() []string                          { return f.models }
func (f *fakeProvider) IsAvailable(ctx context.Context) bool        { return f.available }
func (f *fakeProvider) Chat(ctx context.Context, req Request) (Response, error) {
	atomic.AddInt64(&f.calls, 1)
	return f.chatFn(ctx, req)
}
func (f *fakeProvider) ChatStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	ch := make(chan Chunk, 4)
	go func() {
		defer close(ch)
		for _, c := range []string{"hel", "lo"} {
			ch <- Chunk{Content: c}
		}
		ch <- Chunk{Content: "", IsComplete: true}
	}()
	return ch, nil
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Multiplier: 1, MaxDelay: 2 * time.Millisecond, JitterFactor: 0.01, AttemptTimeout: time.Second}
}

func TestRouteExactModelMatch(t *testing.T) {
	r := NewRouter(fastRetry(), BreakerConfig{}, nil)
	p := &fakeProvider{id: "p1", models: []string{"m1"}, available: true, chatFn: func(ctx context.Context, req Request) (Response, error) {
		return Response{Content: "ok"}, nil
	}}
	require.True(t, r.Register(context.Background(), p))

	resp, err := r.Route(context.Background(), Request{Model: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "p1", resp.Provider)
}

func TestRouteUnavailableProviderNotRegistered(t *testing.T) {
	r := NewRouter(fastRetry(), BreakerConfig{}, nil)
	p := &fakeProvider{id: "p1", models: []string{"m1"}, available: false}
	assert.False(t, r.Register(context.Background(), p))

	_, err := r.Route(context.Background(), Request{Model: "m1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ProviderUnavailable, apperrors.KindOf(err))
}

func TestRouteFailoverToSiblingOnExhaustion(t *testing.T) {
	r := NewRouter(RetryPolicy{MaxAttempts: 2, Initial: time.Millisecond, Multiplier: 1, AttemptTimeout: time.Second}, BreakerConfig{FailureThreshold: 10}, nil)
	p1 := &fakeProvider{id: "p1", models: []string{"m1"}, available: true, chatFn: func(ctx context.Context, req Request) (Response, error) {
		return Response{}, &ProviderError{Class: ClassRateLimited, Message: "429"}
	}}
	p2 := &fakeProvider{id: "p2", models: []string{"m1"}, available: true, chatFn: func(ctx context.Context, req Request) (Response, error) {
		return Response{Content: "from p2"}, nil
	}}
	require.True(t, r.Register(context.Background(), p1))
	require.True(t, r.Register(context.Background(), p2))

	resp, err := r.Route(context.Background(), Request{Model: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "p2", resp.Provider)
	assert.Equal(t, int64(2), atomic.LoadInt64(&p1.calls))
	assert.Equal(t, int64(1), atomic.LoadInt64(&p2.calls))
}

func TestRouteNonRetryableNoFailover(t *testing.T) {
	r := NewRouter(fastRetry(), BreakerConfig{FailureThreshold: 10}, nil)
	p1 := &fakeProvider{id: "p1", models: []string{"m1"}, available: true, chatFn: func(ctx context.Context, req Request) (Response, error) {
		return Response{}, &ProviderError{Class: ClassAuth, Message: "bad key"}
	}}
	p2 := &fakeProvider{id: "p2", models: []string{"m1"}, available: true, chatFn: func(ctx context.Context, req Request) (Response, error) {
		return Response{Content: "from p2"}, nil
	}}
	require.True(t, r.Register(context.Background(), p1))
	require.True(t, r.Register(context.Background(), p2))

	_, err := r.Route(context.Background(), Request{Model: "m1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.Unauthenticated, apperrors.KindOf(err))
	assert.Equal(t, int64(0), atomic.LoadInt64(&p2.calls))
}

func TestRouteCircuitOpensAfterFailures(t *testing.T) {
	r := NewRouter(RetryPolicy{MaxAttempts: 1, AttemptTimeout: time.Second}, BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}, nil)
	p1 := &fakeProvider{id: "p1", models: []string{"m1"}, available: true, chatFn: func(ctx context.Context, req Request) (Response, error) {
		return Response{}, &ProviderError{Class: ClassServer, Message: "500"}
	}}
	require.True(t, r.Register(context.Background(), p1))

	_, err := r.Route(context.Background(), Request{Model: "m1"})
	require.Error(t, err)
	_, err = r.Route(context.Background(), Request{Model: "m1"})
	require.Error(t, err)

	_, err = r.Route(context.Background(), Request{Model: "m1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.CircuitOpen, apperrors.KindOf(err))
}

func TestStreamAccumulatesContentAndCompletes(t *testing.T) {
	r := NewRouter(fastRetry(), BreakerConfig{}, nil)
	p := &fakeProvider{id: "p1", models: []string{"m1"}, available: true}
	require.True(t, r.Register(context.Background(), p))

	ctrl, err := r.Stream(context.Background(), Request{Model: "m1"}, time.Second)
	require.NoError(t, err)

	resp, err := ctrl.Wait()
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.False(t, ctrl.IsActive())
}
