package lifecycle

import (
	"context"
	"time"

	"github.com/kestrel-run/agentrt/pkg/audit"
)

// startBackgroundTasks launches the per-agent heartbeat-liveness probe and,
// when configured, the per-agent auto-checkpoint timer described in spec
// §4.1. Both stop on the supervisor's stop channels, closed once by
// Terminate.
func (e *Engine) startBackgroundTasks(sv *supervisor) {
	e.wg.Add(1)
	go e.heartbeatLoop(sv)

	if e.cfg.AutoCheckpointInterval > 0 && e.store != nil {
		e.wg.Add(1)
		go e.autoCheckpointLoop(sv)
	}
}

func (e *Engine) heartbeatLoop(sv *supervisor) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.HeartbeatProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sv.stopHeartbeat:
			return
		case <-ticker.C:
			sv.mu.Lock()
			stale := e.clock().Sub(sv.agent.LastHeartbeat) > e.cfg.HeartbeatTimeout
			id := sv.agent.ID
			state := sv.agent.State
			sv.mu.Unlock()

			if stale && state == StateRunning {
				e.record(audit.CategoryLifecycle, id, "heartbeat_timeout", "agent:"+id, "error", nil)
				e.Fail(context.Background(), id, "heartbeat timeout")
			}
		}
	}
}

func (e *Engine) autoCheckpointLoop(sv *supervisor) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.AutoCheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sv.stopCheckpoint:
			return
		case <-ticker.C:
			sv.mu.Lock()
			id := sv.agent.ID
			sv.mu.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, _ = e.Checkpoint(ctx, id)
			cancel()
		}
	}
}
