package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
	"github.com/kestrel-run/agentrt/pkg/audit"
	"github.com/kestrel-run/agentrt/pkg/capability"
	"github.com/kestrel-run/agentrt/pkg/manifest"
	"github.com/kestrel-run/agentrt/pkg/telemetry"
)

// EventPublisher is the engine's outbound side of the event fan-out
// described in spec §4.2: the engine never talks to connections directly,
// it only publishes and lets the gateway subscribe.
type EventPublisher interface {
	Publish(channel, eventType string, data map[string]any)
}

// EntryPointRunner executes a manifest's optional entry point inside the
// agent's sandbox during Initialize. A nil runner makes Initialize a no-op
// beyond the state transition.
type EntryPointRunner interface {
	Run(ctx context.Context, a *Agent) error
}

// Config bundles the tunables referenced throughout spec §4.1/§5.
type Config struct {
	MaxAgents               int
	DefaultLimits           manifest.ResourceLimits
	ModelPrices             map[string]ModelPrice
	HeartbeatTimeout        time.Duration
	HeartbeatProbeInterval  time.Duration
	AutoCheckpointInterval  time.Duration
	ShutdownTimeout         time.Duration
	TerminationDrain        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAgents <= 0 {
		c.MaxAgents = 500
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.HeartbeatProbeInterval <= 0 {
		probe := c.HeartbeatTimeout / 2
		if probe > 15*time.Second {
			probe = 15 * time.Second
		}
		c.HeartbeatProbeInterval = probe
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.TerminationDrain <= 0 {
		c.TerminationDrain = time.Second
	}
	if c.ModelPrices == nil {
		c.ModelPrices = map[string]ModelPrice{}
	}
	return c
}

// supervisor owns one agent's mutable state. A single mutex serializes every
// operation against it, the lock-based alternative spec §5 sanctions
// ("protected by a lock or by funnelling mutations through an owning task").
type supervisor struct {
	mu    sync.Mutex
	agent *Agent

	stopHeartbeat  chan struct{}
	stopCheckpoint chan struct{}
	stopOnce       sync.Once
}

func (sv *supervisor) stopBackground() {
	sv.stopOnce.Do(func() {
		close(sv.stopHeartbeat)
		close(sv.stopCheckpoint)
	})
}

// Engine is the Agent Lifecycle Engine from spec §4.1.
type Engine struct {
	cfg Config

	mu           sync.RWMutex
	supervisors  map[string]*supervisor
	shuttingDown bool

	events  EventPublisher
	store   CheckpointStore
	audit   *audit.Recorder
	metrics *telemetry.Metrics
	runner  EntryPointRunner

	clock func() time.Time

	wg sync.WaitGroup
}

// NewEngine builds an Engine. events, store, recorder, and metrics may be
// nil in tests that don't exercise those concerns; runner may be nil when no
// manifest ever declares an entry point.
func NewEngine(cfg Config, events EventPublisher, store CheckpointStore, recorder *audit.Recorder, metrics *telemetry.Metrics, runner EntryPointRunner) *Engine {
	return &Engine{
		cfg:         cfg.withDefaults(),
		supervisors: make(map[string]*supervisor),
		events:      events,
		store:       store,
		audit:       recorder,
		metrics:     metrics,
		runner:      runner,
		clock:       time.Now,
	}
}

func (e *Engine) publish(eventType string, data map[string]any) {
	if e.events != nil {
		e.events.Publish("lifecycle", eventType, data)
	}
}

func (e *Engine) record(category audit.Category, actor, action, resource, outcome string, details map[string]any) {
	if e.audit != nil {
		e.audit.Record(category, actor, action, resource, outcome, details)
	}
}

// liveCount returns the number of agents currently tracked (including ones
// mid-drain, matching spec §3's "removed from the live set after a drain
// window" wording — they are still live until removed).
func (e *Engine) liveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.supervisors)
}

// Spawn allocates a new agent per spec §4.1.
func (e *Engine) Spawn(ctx context.Context, m manifest.Manifest, parentID string) (*Agent, error) {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ShutdownInProgress, "engine is shutting down")
	}
	if len(e.supervisors) >= e.cfg.MaxAgents {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.CapacityExceeded, "max agent count reached")
	}
	var parentSandbox *capability.Sandbox
	var parentSV *supervisor
	if parentID != "" {
		parentSV = e.supervisors[parentID]
		if parentSV == nil {
			e.mu.Unlock()
			return nil, apperrors.New(apperrors.NotFound, "unknown parent agent "+parentID)
		}
	}
	e.mu.Unlock()

	if err := m.Validate(); err != nil {
		return nil, apperrors.WrapAs(apperrors.ManifestInvalid, "manifest invalid", err)
	}

	now := e.clock()
	if parentSV != nil {
		parentSV.mu.Lock()
		parentSandbox = parentSV.agent.Sandbox
		parentSV.mu.Unlock()
	}

	grantorID := "system"
	if parentID != "" {
		grantorID = parentID
	}
	grants, forbidden := capability.DefaultGrants(now, m.RequestedCapabilities, grantorID, parentSandbox)
	if len(forbidden) > 0 {
		return nil, apperrors.New(apperrors.ForbiddenCapability, "requested capability outside parent authority")
	}

	sandbox := capability.NewSandbox()
	for _, g := range grants {
		sandbox.Grant(g)
	}

	id := uuid.NewString()
	agent := &Agent{
		ID:            id,
		Manifest:      m,
		ParentID:      parentID,
		State:         StateCreated,
		Sandbox:       sandbox,
		CustomData:    map[string]any{},
		CreatedAt:     now,
		LastHeartbeat: now,
		Usage:         Usage{WindowStart: now},
	}

	sv := &supervisor{
		agent:          agent,
		stopHeartbeat:  make(chan struct{}),
		stopCheckpoint: make(chan struct{}),
	}

	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ShutdownInProgress, "engine is shutting down")
	}
	e.supervisors[id] = sv
	e.mu.Unlock()

	e.startBackgroundTasks(sv)

	if e.metrics != nil {
		e.metrics.AgentsSpawned.WithLabelValues("ok").Inc()
		e.metrics.AgentsLive.Inc()
	}
	e.record(audit.CategoryLifecycle, grantorID, "spawn", "agent:"+id, "ok", map[string]any{"manifestId": m.ID})
	e.publish("spawn", map[string]any{"agentId": id})

	return agent.clone(), nil
}

func (e *Engine) lookup(id string) (*supervisor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sv, ok := e.supervisors[id]
	if !ok {
		return nil, apperrors.New(apperrors.NotFound, "unknown agent "+id)
	}
	return sv, nil
}

// transition performs a locked state-machine edge on the agent identified by
// id, recording history and audit/event side effects on success.
func (e *Engine) transition(id string, ev Event, reason string) (*Agent, error) {
	sv, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	sv.mu.Lock()
	defer sv.mu.Unlock()

	from := sv.agent.State
	to, ok := nextState(from, ev)
	if !ok {
		return nil, apperrors.New(apperrors.BadState, "illegal transition "+string(ev)+" from "+string(from))
	}
	sv.agent.History = append(sv.agent.History, Transition{
		From: from, To: to, Event: ev, Reason: reason, Timestamp: e.clock(),
	})
	sv.agent.State = to

	if e.metrics != nil {
		e.metrics.AgentTransitions.WithLabelValues(string(from), string(to), string(ev)).Inc()
	}
	e.record(audit.CategoryState, id, string(ev), "agent:"+id, "ok", map[string]any{"from": from, "to": to, "reason": reason})
	e.publish("state_changed", map[string]any{"agentId": id, "from": from, "to": to})

	return sv.agent.clone(), nil
}

// Initialize runs created -> initializing -> ready, invoking the configured
// entry-point runner in between. A runner failure transitions to error and
// returns InitFailed.
func (e *Engine) Initialize(ctx context.Context, id string) (*Agent, error) {
	if _, err := e.transition(id, EventInitialize, ""); err != nil {
		return nil, err
	}

	sv, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	if e.runner != nil {
		sv.mu.Lock()
		a := sv.agent
		sv.mu.Unlock()
		if runErr := e.runner.Run(ctx, a); runErr != nil {
			e.transition(id, EventFail, runErr.Error())
			return nil, apperrors.WrapAs(apperrors.InitFailed, "entry point failed", runErr)
		}
	}

	return e.transition(id, EventReady, "")
}

// Start transitions ready -> running and increments activeRequests.
func (e *Engine) Start(ctx context.Context, id string) (*Agent, error) {
	sv, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	a, err := e.transition(id, EventStart, "")
	if err != nil {
		return nil, err
	}
	sv.mu.Lock()
	sv.agent.Usage.ActiveRequests++
	a.Usage = sv.agent.Usage
	sv.mu.Unlock()
	return a, nil
}

// Pause transitions ready|running -> paused.
func (e *Engine) Pause(ctx context.Context, id string) (*Agent, error) {
	return e.transition(id, EventPause, "")
}

// Resume transitions paused -> ready.
func (e *Engine) Resume(ctx context.Context, id string) (*Agent, error) {
	return e.transition(id, EventResume, "")
}

// Complete transitions running -> ready, decrements activeRequests, and
// increments the success counter.
func (e *Engine) Complete(ctx context.Context, id string) (*Agent, error) {
	sv, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	a, err := e.transition(id, EventComplete, "")
	if err != nil {
		return nil, err
	}
	sv.mu.Lock()
	if sv.agent.Usage.ActiveRequests > 0 {
		sv.agent.Usage.ActiveRequests--
	}
	sv.agent.Usage.SuccessCount++
	a.Usage = sv.agent.Usage
	sv.mu.Unlock()
	return a, nil
}

// Fail transitions any non-terminal, non-created state to error.
func (e *Engine) Fail(ctx context.Context, id string, reason string) (*Agent, error) {
	sv, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	a, err := e.transition(id, EventFail, reason)
	if err != nil {
		return nil, err
	}
	sv.mu.Lock()
	sv.agent.Usage.ErrorCount++
	a.Usage = sv.agent.Usage
	sv.mu.Unlock()
	return a, nil
}

// Recover transitions an agent in error back to ready. This is the single
// Recover(id) the design notes call for, resolving the source's overlapping
// recover/recover2 methods into one operation.
func (e *Engine) Recover(ctx context.Context, id string) (*Agent, error) {
	return e.transition(id, EventRecover, "")
}

// Terminate transitions any state to terminated, tears down the sandbox,
// stops background tasks, and removes the agent from the live set after the
// configured drain window. A terminate on an unknown or already-terminated
// id returns ok=false rather than an error, matching spec §4.1's "never
// (idempotent false if unknown)".
func (e *Engine) Terminate(ctx context.Context, id string, reason string) (ok bool, err error) {
	sv, lookupErr := e.lookup(id)
	if lookupErr != nil {
		return false, nil
	}

	sv.mu.Lock()
	already := sv.agent.State == StateTerminated
	sv.mu.Unlock()
	if already {
		return false, nil
	}

	if _, err := e.transition(id, EventTerminate, reason); err != nil {
		return false, nil
	}

	sv.mu.Lock()
	sv.agent.Sandbox = capability.NewSandbox()
	sv.mu.Unlock()

	sv.stopBackground()
	if e.metrics != nil {
		e.metrics.AgentsLive.Dec()
	}
	e.record(audit.CategoryLifecycle, id, "terminate", "agent:"+id, "ok", map[string]any{"reason": reason})
	e.publish("terminate", map[string]any{"agentId": id, "reason": reason})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(e.cfg.TerminationDrain)
		defer timer.Stop()
		<-timer.C
		e.mu.Lock()
		delete(e.supervisors, id)
		e.mu.Unlock()
	}()

	return true, nil
}

// Get returns a snapshot of the agent, or NotFound.
func (e *Engine) Get(id string) (*Agent, error) {
	sv, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.agent.clone(), nil
}

// List returns a snapshot of every live agent.
func (e *Engine) List() []*Agent {
	e.mu.RLock()
	svs := make([]*supervisor, 0, len(e.supervisors))
	for _, sv := range e.supervisors {
		svs = append(svs, sv)
	}
	e.mu.RUnlock()

	out := make([]*Agent, 0, len(svs))
	for _, sv := range svs {
		sv.mu.Lock()
		out = append(out, sv.agent.clone())
		sv.mu.Unlock()
	}
	return out
}

// Heartbeat refreshes the liveness timestamp for a running worker.
func (e *Engine) Heartbeat(id string) error {
	sv, err := e.lookup(id)
	if err != nil {
		return err
	}
	sv.mu.Lock()
	sv.agent.LastHeartbeat = e.clock()
	sv.mu.Unlock()
	return nil
}

// CheckCapability consults the agent's sandbox, audit-logging the result per
// spec §4.1's "Every check is audit-logged."
func (e *Engine) CheckCapability(id string, cap manifest.Capability, reqCtx map[string]string) (capability.CheckResult, error) {
	sv, err := e.lookup(id)
	if err != nil {
		return capability.CheckResult{}, err
	}
	sv.mu.Lock()
	res := sv.agent.Sandbox.Check(e.clock(), cap, reqCtx)
	sv.mu.Unlock()

	outcome := "denied"
	if res.Allowed {
		outcome = "allowed"
	}
	if e.metrics != nil {
		e.metrics.CapabilityChecks.WithLabelValues(string(cap), outcome).Inc()
	}
	e.record(audit.CategoryCapability, id, "check", string(cap), outcome, map[string]any{"reason": res.Reason})
	return res, nil
}

// Shutdown stops accepting new agents, best-effort checkpoints every live
// agent in parallel, then terminates them sequentially, bounded by
// ShutdownTimeout — per spec §4.1's auto-checkpoint/shutdown note.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.shuttingDown = true
	ids := make([]string, 0, len(e.supervisors))
	for id := range e.supervisors {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = e.Checkpoint(sctx, id)
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		_, _ = e.Terminate(sctx, id, "shutdown")
	}

	e.wg.Wait()
}
