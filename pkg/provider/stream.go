package provider

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
)

// StreamController is returned by Router.Stream and lets callers abort,
// poll activity, and await the final accumulated Response, per spec §4.3.
type StreamController struct {
	mu       sync.Mutex
	content  strings.Builder
	active   bool
	chunks   int64
	started  time.Time
	firstAt  time.Time
	doneAt   time.Time
	err      error
	provider string
	model    string

	cancel context.CancelFunc
	done   chan struct{}
}

// Abort cancels the underlying stream context.
func (c *StreamController) Abort() {
	c.cancel()
}

// IsActive reports whether the stream has not yet terminated.
func (c *StreamController) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// GetContent returns the content accumulated so far.
func (c *StreamController) GetContent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content.String()
}

// Wait blocks until the stream terminates (completion, abort, or watchdog
// timeout) and returns the final accumulated Response.
func (c *StreamController) Wait() (Response, error) {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := Response{
		Model:     c.model,
		Content:   c.content.String(),
		Provider:  c.provider,
		LatencyMS: c.doneAt.Sub(c.started).Milliseconds(),
	}
	return resp, c.err
}

// Stream resolves req.Model to a provider and returns a StreamController
// driving its ChatStream, with a watchdog that aborts the stream if no chunk
// arrives within idleTimeout. An optional onChunk callback is invoked for
// every chunk (including the terminal one) as it arrives, for callers that
// need to forward chunks as they happen rather than wait on the controller
// (the gateway's chat_stream frames, per spec §4.2).
func (r *Router) Stream(ctx context.Context, req Request, idleTimeout time.Duration, onChunk ...func(Chunk)) (*StreamController, error) {
	r.mu.RLock()
	rp, ok := r.resolve(req.Model)
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.ProviderUnavailable, "no provider for model "+req.Model)
	}
	if !rp.breaker.Allow() {
		return nil, apperrors.New(apperrors.CircuitOpen, "circuit open for provider "+rp.provider.ID())
	}

	sctx, cancel := context.WithCancel(ctx)
	chunks, err := rp.provider.ChatStream(sctx, req)
	if err != nil {
		cancel()
		rp.breaker.RecordFailure()
		return nil, wrapProviderErr(err)
	}

	ctrl := &StreamController{
		active:   true,
		started:  time.Now(),
		provider: rp.provider.ID(),
		model:    req.Model,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	var cb func(Chunk)
	if len(onChunk) > 0 {
		cb = onChunk[0]
	}
	go r.driveStream(ctrl, rp, chunks, idleTimeout, cb)

	return ctrl, nil
}

func (r *Router) driveStream(ctrl *StreamController, rp *registeredProvider, chunks <-chan Chunk, idleTimeout time.Duration, onChunk func(Chunk)) {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	watchdog := time.NewTimer(idleTimeout)
	defer watchdog.Stop()

	finish := func(err error) {
		ctrl.mu.Lock()
		ctrl.active = false
		ctrl.doneAt = time.Now()
		ctrl.err = err
		ctrl.mu.Unlock()
		close(ctrl.done)
		if err != nil {
			rp.breaker.RecordFailure()
		} else {
			rp.breaker.RecordSuccess()
		}
		r.recordBreakerMetric(rp)
	}

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				finish(nil)
				return
			}
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(idleTimeout)

			ctrl.mu.Lock()
			if ctrl.firstAt.IsZero() {
				ctrl.firstAt = time.Now()
			}
			ctrl.content.WriteString(chunk.Content)
			ctrl.chunks++
			ctrl.mu.Unlock()

			if onChunk != nil {
				onChunk(chunk)
			}

			if chunk.IsComplete {
				finish(nil)
				return
			}
		case <-watchdog.C:
			ctrl.cancel()
			finish(apperrors.New(apperrors.Timeout, "stream idle timeout"))
			return
		}
	}
}
