package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker layers cross-node fan-out on top of an InProcess broker: local
// Publish/Subscribe/Catchup are served exactly as InProcess does (so a
// single node still replays its own recent history), but every Publish is
// additionally pushed to a Redis Pub/Sub channel, and every channel this
// node has a local subscriber for is itself subscribed to on Redis so events
// published on a sibling node are fanned into the local ring too. Grounded
// on Generativebots-ocx-backend-go-svc's GoRedisAdapter Publish/Subscribe
// wrapping of go-redis v9.
type RedisBroker struct {
	local *InProcess
	rdb   *redis.Client
	nodeID string

	mu       sync.Mutex
	bridged  map[string]context.CancelFunc
}

// NewRedisBroker connects to Redis at addr and returns a broker ready to use.
// nodeID is included in published envelopes so a node ignores its own
// republished events when relaying Redis messages back into the local ring.
func NewRedisBroker(ctx context.Context, addr, password string, db int, nodeID string) (*RedisBroker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: password, DB: db,
		DialTimeout: 3 * time.Second, ReadTimeout: 2 * time.Second, WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &RedisBroker{
		local: NewInProcess(), rdb: rdb, nodeID: nodeID,
		bridged: make(map[string]context.CancelFunc),
	}, nil
}

// Close releases the Redis client and stops every bridged channel
// subscription.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	for _, cancel := range b.bridged {
		cancel()
	}
	b.bridged = nil
	b.mu.Unlock()
	return b.rdb.Close()
}

type envelope struct {
	NodeID string         `json:"nodeId"`
	Type   string         `json:"type"`
	Data   map[string]any `json:"data"`
}

func (b *RedisBroker) Publish(ctx context.Context, channel, eventType string, data map[string]any) error {
	if err := b.local.Publish(ctx, channel, eventType, data); err != nil {
		return err
	}
	env := envelope{NodeID: b.nodeID, Type: eventType, Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, redisChannelName(channel), payload).Err()
}

func (b *RedisBroker) Subscribe(channel string) (<-chan Event, func()) {
	b.ensureBridge(channel)
	return b.local.Subscribe(channel)
}

func (b *RedisBroker) Catchup(channel string, sinceSeq uint64) ([]Event, bool) {
	return b.local.Catchup(channel, sinceSeq)
}

// ensureBridge starts a Redis subscription for channel the first time a
// local subscriber appears, feeding remote publishes into the local ring so
// Catchup/Subscribe see cluster-wide events, not just this node's own.
func (b *RedisBroker) ensureBridge(channel string) {
	b.mu.Lock()
	if _, exists := b.bridged[channel]; exists {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.bridged[channel] = cancel
	b.mu.Unlock()

	sub := b.rdb.Subscribe(ctx, redisChannelName(channel))
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Warn("broker: malformed redis envelope", "channel", channel, "error", err)
					continue
				}
				if env.NodeID == b.nodeID {
					continue // already delivered locally by Publish
				}
				_ = b.local.Publish(ctx, channel, env.Type, env.Data)
			}
		}
	}()
}

func redisChannelName(channel string) string {
	return "agentrt:events:" + channel
}

var _ Broker = (*RedisBroker)(nil)
