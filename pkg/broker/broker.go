// Package broker implements the publish/subscribe event bus behind spec
// §4.2's `subscribe_events` message type and §2's event-bus row. The default
// backend is in-process, grounded on tarsy's pkg/events/manager.go
// channel-subscriber-set/Broadcast shape; an optional Redis-backed backend
// (pkg/broker's RedisBroker) fans the same events out across cluster nodes.
//
// Per spec §5, "per channel, publish order is preserved by the broker" while
// "global events have no cross-channel ordering guarantee" — each channel
// therefore gets its own monotonic sequence counter and subscriber fan-out,
// independent of every other channel.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
)

// Event is one published message, timestamped and sequenced per channel so a
// late subscriber's catch-up request can ask "everything after seq N".
type Event struct {
	Channel string
	Type    string
	Data    map[string]any
	Seq     uint64
	At      time.Time
}

// Broker is the publish/subscribe contract the gateway depends on.
// Subscribe returns a buffered channel of events and an unsubscribe func;
// callers must drain the channel or call unsubscribe to avoid leaking the
// internal fan-out goroutine-free slot.
type Broker interface {
	Publish(ctx context.Context, channel, eventType string, data map[string]any) error
	Subscribe(channel string) (events <-chan Event, unsubscribe func())
	// Catchup returns buffered events for channel with Seq > sinceSeq, up to
	// catchupLimit, and whether more were dropped (ring overflow).
	Catchup(channel string, sinceSeq uint64) (events []Event, overflowed bool)
}

// catchupLimit mirrors tarsy's pkg/events/manager.go catchupLimit: the
// maximum number of events replayed to a (re)subscriber before telling it to
// fall back to a full reload.
const catchupLimit = 200

const subscriberBuffer = 64

type channelState struct {
	seq         uint64
	ring        []Event // bounded ring of the last catchupLimit events
	subscribers map[int]chan Event
	nextSubID   int
}

// InProcess is the default single-node broker: an in-memory fan-out with a
// bounded per-channel replay ring, analogous to tarsy's
// ConnectionManager.channels map but decoupled from any transport.
type InProcess struct {
	mu       sync.Mutex
	channels map[string]*channelState
	clock    func() time.Time
}

// NewInProcess builds an empty in-process broker.
func NewInProcess() *InProcess {
	return &InProcess{channels: make(map[string]*channelState), clock: time.Now}
}

func (b *InProcess) state(channel string) *channelState {
	cs, ok := b.channels[channel]
	if !ok {
		cs = &channelState{subscribers: make(map[int]chan Event)}
		b.channels[channel] = cs
	}
	return cs
}

// Publish appends the event to the channel's replay ring and fans it out to
// current subscribers of that channel and of "*". A subscriber whose buffer is full has the event
// dropped for it (never blocks the publisher) — it will pick the gap up via
// Catchup instead.
func (b *InProcess) Publish(ctx context.Context, channel, eventType string, data map[string]any) error {
	b.mu.Lock()
	cs := b.state(channel)
	cs.seq++
	ev := Event{Channel: channel, Type: eventType, Data: data, Seq: cs.seq, At: b.clock()}
	cs.ring = append(cs.ring, ev)
	if len(cs.ring) > catchupLimit {
		cs.ring = cs.ring[len(cs.ring)-catchupLimit:]
	}
	subs := make([]chan Event, 0, len(cs.subscribers))
	for _, ch := range cs.subscribers {
		subs = append(subs, ch)
	}
	// Subscribers of "*" receive every channel's events.
	if all, ok := b.channels["*"]; ok && channel != "*" {
		for _, ch := range all.subscribers {
			subs = append(subs, ch)
		}
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber for channel.
func (b *InProcess) Subscribe(channel string) (<-chan Event, func()) {
	b.mu.Lock()
	cs := b.state(channel)
	id := cs.nextSubID
	cs.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	cs.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cs, ok := b.channels[channel]; ok {
			delete(cs.subscribers, id)
		}
	}
	return ch, unsubscribe
}

// Catchup returns every ring-buffered event for channel with Seq > sinceSeq.
// overflowed reports whether the ring had already dropped events older than
// what the caller is asking for (i.e. sinceSeq predates the oldest retained
// event), matching tarsy's "catchup.overflow" signal.
func (b *InProcess) Catchup(channel string, sinceSeq uint64) ([]Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.channels[channel]
	if !ok {
		return nil, false
	}
	overflowed := len(cs.ring) > 0 && cs.ring[0].Seq > sinceSeq+1
	var out []Event
	for _, ev := range cs.ring {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, overflowed
}

// Compile-time assertion that InProcess satisfies Broker;
// failing to implement a method here is a build error, not a runtime
// surprise.
var _ Broker = (*InProcess)(nil)

// ErrUnsupportedBackend is returned by configuration wiring code when an
// unrecognized broker backend name is requested.
var ErrUnsupportedBackend = apperrors.New(apperrors.Validation, "unsupported broker backend")
