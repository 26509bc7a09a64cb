package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
	"github.com/kestrel-run/agentrt/pkg/broker"
	"github.com/kestrel-run/agentrt/pkg/capability"
	"github.com/kestrel-run/agentrt/pkg/lifecycle"
	"github.com/kestrel-run/agentrt/pkg/manifest"
	"github.com/kestrel-run/agentrt/pkg/policy"
	"github.com/kestrel-run/agentrt/pkg/provider"
	"github.com/kestrel-run/agentrt/pkg/telemetry"
	"github.com/kestrel-run/agentrt/pkg/token"
)

// Engine is the subset of *lifecycle.Engine the gateway drives, broken out
// as an interface so dispatch logic can be tested against a fake rather than
// a real agent lifecycle engine — the same Repository/VectorIndex seam
// pkg/memory uses to stay storage-agnostic.
type Engine interface {
	Spawn(ctx context.Context, m manifest.Manifest, parentID string) (*lifecycle.Agent, error)
	Get(id string) (*lifecycle.Agent, error)
	List() []*lifecycle.Agent
	Terminate(ctx context.Context, id string, reason string) (bool, error)
	CheckCapability(id string, cap manifest.Capability, reqCtx map[string]string) (capability.CheckResult, error)
}

// ChatRouter is the subset of *provider.Router the gateway drives.
type ChatRouter interface {
	Route(ctx context.Context, req provider.Request) (provider.Response, error)
	Stream(ctx context.Context, req provider.Request, idleTimeout time.Duration, onChunk ...func(provider.Chunk)) (*provider.StreamController, error)
	Statuses() []provider.ProviderStatus
}

// TokenIssuer is the subset of *token.Manager the gateway drives for
// capability_grant/capability_revoke.
type TokenIssuer interface {
	Issue(subject string, caps []manifest.Capability, constraints map[string]string, ttl time.Duration) (token.Token, error)
	Revoke(tokenID string)
}

// StoreHealth is implemented by a persistence backend that can report its
// own liveness (boltstore.Store, pgstore.Store), consulted by the /health
// endpoint's "required stores reachable" check.
type StoreHealth interface {
	Health(ctx context.Context) error
}

// Options configures a Gateway.
type Options struct {
	AuthToken        string // empty disables auth
	MaxConnections   int
	MessageRateLimit int // messages per rolling 60s window, per connection
	WriteTimeout     time.Duration
	DrainTimeout     time.Duration // how long in-flight correlation ids get to finish on shutdown
	StreamIdleTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 1000
	}
	if o.MessageRateLimit <= 0 {
		o.MessageRateLimit = 120
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 15 * time.Second
	}
	if o.StreamIdleTimeout <= 0 {
		o.StreamIdleTimeout = 60 * time.Second
	}
}

// Gateway is the duplex connection switch from spec §4.2.
type Gateway struct {
	opts    Options
	engine  Engine
	router  ChatRouter
	tokens  TokenIssuer
	broker  broker.Broker
	metrics *telemetry.Metrics
	policy  *policy.Engine // nil disables the network egress check on chat/agent_task
	store   StoreHealth    // nil skips the store-reachability check on /health

	mu          sync.RWMutex
	connections map[string]*connection
	draining    bool
}

// SetPolicyEngine wires the policy engine consulted before a chat/agent_task
// message reaches a provider, per spec §4.6's network resource class. Nil
// (the default) skips the check.
func (g *Gateway) SetPolicyEngine(p *policy.Engine) {
	g.policy = p
}

// SetStoreHealth wires the persistence backend consulted by the /health
// endpoint's store-reachability check. Nil (the default) skips the check.
func (g *Gateway) SetStoreHealth(s StoreHealth) {
	g.store = s
}

// New builds a Gateway. router and tokens may be nil if chat/capability
// messages are not needed (e.g. a minimal deployment), in which case those
// message types reply with ProviderUnavailable / Forbidden respectively.
func New(engine Engine, router ChatRouter, tokens TokenIssuer, b broker.Broker, metrics *telemetry.Metrics, opts Options) *Gateway {
	opts.setDefaults()
	return &Gateway{
		opts:        opts,
		engine:      engine,
		router:      router,
		tokens:      tokens,
		broker:      b,
		metrics:     metrics,
		connections: make(map[string]*connection),
	}
}

// Handler returns the gin handler that upgrades an HTTP request to the
// duplex connection and blocks until it closes, mirroring tarsy's
// wsHandler delegating into ConnectionManager.HandleConnection.
func (g *Gateway) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		g.mu.RLock()
		draining := g.draining
		tooMany := len(g.connections) >= g.opts.MaxConnections
		g.mu.RUnlock()
		if draining {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway draining"})
			return
		}
		if tooMany {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "max connections reached"})
			return
		}

		conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		g.handleConnection(c.Request.Context(), conn)
	}
}

func (g *Gateway) handleConnection(parent context.Context, ws *websocket.Conn) {
	conn := newConnection(parent, ws, g.opts.MessageRateLimit, g.opts.WriteTimeout)

	g.mu.Lock()
	g.connections[conn.id] = conn
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.GatewayConnections.Inc()
	}

	defer func() {
		g.mu.Lock()
		delete(g.connections, conn.id)
		g.mu.Unlock()
		conn.close()
		if g.metrics != nil {
			g.metrics.GatewayConnections.Dec()
		}
	}()

	if !g.authenticate(conn) {
		return
	}

	// Every authenticated connection is a subscriber to the full event
	// firehose by default (spec §4.2); subscribe_events narrows that down
	// to a single agent's channel later if the client asks for it.
	if g.broker != nil {
		g.subscribe(conn, "*", 0)
	}

	for {
		_, data, err := ws.Read(conn.ctx)
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = conn.send(errorFrame("", apperrors.New(apperrors.Validation, "malformed frame")))
			continue
		}
		if !conn.limiter.Allow() {
			if g.metrics != nil {
				g.metrics.GatewayRateLimited.Inc()
			}
			_ = conn.send(errorFrame(f.ID, apperrors.New(apperrors.RateLimited, "message rate limit exceeded")))
			continue
		}
		if g.metrics != nil {
			g.metrics.GatewayMessages.WithLabelValues(f.Type).Inc()
		}
		g.dispatch(conn, f)
	}
}

// authenticate runs the auth handshake described in spec §4.2 step 2-3. It
// returns false if the connection should be torn down.
func (g *Gateway) authenticate(conn *connection) bool {
	if g.opts.AuthToken == "" {
		conn.authenticated = true
		return true
	}

	if err := conn.send(Frame{Type: TypeAuthRequired, Timestamp: time.Now()}); err != nil {
		return false
	}

	_, data, err := conn.conn.Read(conn.ctx)
	if err != nil {
		return false
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != TypeAuth {
		_ = conn.send(errorFrame(f.ID, apperrors.New(apperrors.Unauthenticated, "expected auth message")))
		return false
	}

	var body struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(f.Payload, &body)

	if subtle.ConstantTimeCompare([]byte(body.Token), []byte(g.opts.AuthToken)) != 1 {
		_ = conn.send(Frame{Type: TypeAuthFailed, ID: f.ID, Timestamp: time.Now()})
		return false
	}

	conn.authenticated = true
	return conn.send(Frame{Type: TypeAuthSuccess, ID: f.ID, Timestamp: time.Now()}) == nil
}

// Drain marks the gateway as draining (spec §4.2 "Graceful drain"): stop
// accepting new connections (enforced in Handler), give in-flight
// correlation ids DrainTimeout to finish, then close every remaining
// connection.
func (g *Gateway) Drain(ctx context.Context) {
	g.mu.Lock()
	g.draining = true
	conns := make([]*connection, 0, len(g.connections))
	for _, c := range g.connections {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	select {
	case <-time.After(g.opts.DrainTimeout):
	case <-ctx.Done():
	}

	for _, c := range conns {
		c.close()
	}
}

// ActiveConnections reports the current connection count, used by the
// health endpoint.
func (g *Gateway) ActiveConnections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.connections)
}
