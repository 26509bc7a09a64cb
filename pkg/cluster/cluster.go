// Package cluster implements spec §4.5's Cluster Coordinator: a node
// registry with heartbeats, leader election over a single DB-backed lease
// (explicitly not raft or any gossip protocol, per spec's "conditional
// update" wording), and cross-node agent-request forwarding. It is grounded
// on the same "own the mutable state behind one goroutine, expose
// read-mostly snapshots" idiom the lifecycle engine and broker already use,
// plus tarsy's pkg/database client for how a background ticker loop is
// structured and shut down.
package cluster

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
)

// Node is one registered gateway instance.
type Node struct {
	ID            string
	WSURL         string
	Role          string
	LastHeartbeat time.Time
}

// Registry persists the cluster_nodes table (spec §6).
type Registry interface {
	UpsertNode(ctx context.Context, n Node) error
	ListNodes(ctx context.Context) ([]Node, error)
}

// LeaderStore persists the single-row cluster_leader lease (spec §6) via
// conditional update: Acquire only succeeds when no unexpired lease exists
// for a different node.
type LeaderStore interface {
	// Acquire tries to become leader, returning whether it succeeded.
	Acquire(ctx context.Context, nodeID string, lease time.Duration) (bool, error)
	// Renew extends the calling node's own lease; fails if it is no longer leader.
	Renew(ctx context.Context, nodeID string, lease time.Duration) (bool, error)
	// Release gives up leadership early (e.g. on graceful shutdown).
	Release(ctx context.Context, nodeID string) error
}

// JobLocker guards per-job advisory locks (the job_locks table) used by the
// distributed scheduler mode, where every node runs the scheduler and relies
// on row-level locks instead of on leadership.
type JobLocker interface {
	TryLock(ctx context.Context, jobID, nodeID string) (bool, error)
	Unlock(ctx context.Context, jobID, nodeID string) error
}

// AgentLocator answers "which node owns this agent" so an inbound request
// for an agent this node doesn't own can be forwarded.
type AgentLocator interface {
	HomeNode(agentID string) (nodeID string, ok bool)
}

// Options configures a Coordinator.
type Options struct {
	NodeID            string
	WSURL             string
	HeartbeatInterval time.Duration // default 15s
	LeaseDuration     time.Duration // default 30s
	StaleAfter        time.Duration // node rows older than this are dead; default 3x HeartbeatInterval
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 3 * o.HeartbeatInterval
	}
}

// Coordinator owns heartbeat and leader-election background loops for one
// node and notifies subscribers of leadership changes.
type Coordinator struct {
	opts     Options
	registry Registry
	leader   LeaderStore

	mu        sync.Mutex
	isLeader  bool
	listeners []func(bool)

	stop chan struct{}
	done chan struct{}
}

// NewCoordinator builds a Coordinator. Call Start to begin the background
// loops; a Coordinator that is never started is inert (useful for
// single-node deployments where cluster.enabled is false).
func NewCoordinator(registry Registry, leader LeaderStore, opts Options) *Coordinator {
	opts.setDefaults()
	return &Coordinator{opts: opts, registry: registry, leader: leader}
}

// OnLeaderChange registers a callback invoked whenever this node's
// leadership status flips. Per spec, gaining leadership starts the
// scheduler and losing it stops the scheduler.
func (c *Coordinator) OnLeaderChange(fn func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// IsLeader reports this node's last-observed leadership status.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// Start registers this node and begins the heartbeat and leader-election
// loops. It blocks only long enough to perform the initial registration.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.registry.UpsertNode(ctx, Node{ID: c.opts.NodeID, WSURL: c.opts.WSURL, Role: "follower", LastHeartbeat: time.Now()}); err != nil {
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

// Stop halts the background loops and releases leadership if held.
func (c *Coordinator) Stop(ctx context.Context) {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	if c.IsLeader() {
		if err := c.leader.Release(ctx, c.opts.NodeID); err != nil {
			slog.Warn("cluster: release lease on stop failed", "node", c.opts.NodeID, "error", err)
		}
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	c.tick(ctx)
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	if err := c.registry.UpsertNode(ctx, Node{ID: c.opts.NodeID, WSURL: c.opts.WSURL, Role: c.roleLabel(), LastHeartbeat: time.Now()}); err != nil {
		slog.Warn("cluster: heartbeat failed", "node", c.opts.NodeID, "error", err)
	}
	c.electLeader(ctx)
}

func (c *Coordinator) roleLabel() string {
	if c.IsLeader() {
		return "leader"
	}
	return "follower"
}

func (c *Coordinator) electLeader(ctx context.Context) {
	wasLeader := c.IsLeader()

	var nowLeader bool
	var err error
	if wasLeader {
		nowLeader, err = c.leader.Renew(ctx, c.opts.NodeID, c.opts.LeaseDuration)
	} else {
		nowLeader, err = c.leader.Acquire(ctx, c.opts.NodeID, c.opts.LeaseDuration)
	}
	if err != nil {
		slog.Warn("cluster: leader election step failed", "node", c.opts.NodeID, "error", err)
		return
	}

	if nowLeader == wasLeader {
		return
	}

	c.mu.Lock()
	c.isLeader = nowLeader
	listeners := append([]func(bool)(nil), c.listeners...)
	c.mu.Unlock()

	slog.Info("cluster: leadership changed", "node", c.opts.NodeID, "isLeader", nowLeader)
	for _, fn := range listeners {
		fn(nowLeader)
	}
}

// LiveNodes returns registry rows whose heartbeat is newer than StaleAfter,
// i.e. nodes not yet considered dead.
func (c *Coordinator) LiveNodes(ctx context.Context) ([]Node, error) {
	nodes, err := c.registry.ListNodes(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	cutoff := time.Now().Add(-c.opts.StaleAfter)
	live := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.LastHeartbeat.After(cutoff) {
			live = append(live, n)
		}
	}
	return live, nil
}

// IsStale reports whether node n's last heartbeat is older than the
// configured staleness threshold, i.e. whether it should be treated as dead
// for forwarding and reassignment purposes.
func (c *Coordinator) IsStale(n Node) bool {
	return time.Since(n.LastHeartbeat) > c.opts.StaleAfter
}
