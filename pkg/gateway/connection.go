package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kestrel-run/agentrt/pkg/broker"
)

// connection is one accepted duplex client, grounded on tarsy's
// pkg/events/manager.go Connection: a single goroutine owns the receive
// loop, subscription bookkeeping is guarded by subsMu (close may run from
// Drain as well), and sends go through sendMu to serialize writes from the
// receive loop and any background event fan-out goroutine.
type connection struct {
	id   string
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	authenticated bool
	limiter       *rate.Limiter
	writeTimeout  time.Duration

	sendMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]func() // channel -> unsubscribe
}

func newConnection(parent context.Context, conn *websocket.Conn, messageRateLimit int, writeTimeout time.Duration) *connection {
	ctx, cancel := context.WithCancel(parent)
	return &connection{
		id:           uuid.New().String(),
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		limiter:      rate.NewLimiter(rate.Limit(float64(messageRateLimit)/60.0), messageRateLimit),
		writeTimeout: writeTimeout,
		subs:         make(map[string]func()),
	}
}

func (c *connection) send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	wctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

// setSubscription replaces whatever channel(s) the connection was listening
// on with channel alone: a connection has exactly one active event scope at
// a time — the default firehose ("*") established at connect, narrowable to
// a single agent's channel via subscribe_events — never both at once.
func (c *connection) setSubscription(channel string, unsubscribe func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, existing := range c.subs {
		existing()
	}
	c.subs = map[string]func(){channel: unsubscribe}
}

func (c *connection) closeAllSubscriptions() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, unsubscribe := range c.subs {
		unsubscribe()
	}
	c.subs = make(map[string]func())
}

func (c *connection) close() {
	c.cancel()
	c.closeAllSubscriptions()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// forwardEvent converts a broker.Event into the "{type:\"event\", ...}"
// frame spec §4.2 describes and sends it, logging (not failing the
// connection) on a write error — mirroring tarsy's Broadcast which logs
// a failed send per connection rather than tearing the loop down.
func (c *connection) forwardEvent(ev broker.Event) {
	payload, _ := json.Marshal(map[string]any{
		"channel":   ev.Channel,
		"type":      ev.Type,
		"data":      ev.Data,
		"timestamp": ev.At,
	})
	if err := c.send(Frame{Type: TypeEvent, Payload: payload, Timestamp: time.Now()}); err != nil {
		slog.Warn("gateway: failed to forward event", "connection_id", c.id, "channel", ev.Channel, "error", err)
	}
}
