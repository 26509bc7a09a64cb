package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
	"github.com/kestrel-run/agentrt/pkg/broker"
	"github.com/kestrel-run/agentrt/pkg/capability"
	"github.com/kestrel-run/agentrt/pkg/lifecycle"
	"github.com/kestrel-run/agentrt/pkg/manifest"
	"github.com/kestrel-run/agentrt/pkg/provider"
	"github.com/kestrel-run/agentrt/pkg/token"
)

type fakeEngine struct {
	agents map[string]*lifecycle.Agent
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{agents: make(map[string]*lifecycle.Agent)}
}

func (f *fakeEngine) Spawn(ctx context.Context, m manifest.Manifest, parentID string) (*lifecycle.Agent, error) {
	a := &lifecycle.Agent{ID: "agent-1", Manifest: m, ParentID: parentID, State: lifecycle.StateRunning, CreatedAt: time.Now(), LastHeartbeat: time.Now(), Sandbox: capability.NewSandbox()}
	f.agents[a.ID] = a
	return a, nil
}

func (f *fakeEngine) Get(id string) (*lifecycle.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, apperrors.New(apperrors.NotFound, "no such agent")
	}
	return a, nil
}

func (f *fakeEngine) List() []*lifecycle.Agent {
	out := make([]*lifecycle.Agent, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out
}

func (f *fakeEngine) Terminate(ctx context.Context, id, reason string) (bool, error) {
	if _, ok := f.agents[id]; !ok {
		return false, apperrors.New(apperrors.NotFound, "no such agent")
	}
	delete(f.agents, id)
	return true, nil
}

func (f *fakeEngine) CheckCapability(id string, cap manifest.Capability, reqCtx map[string]string) (capability.CheckResult, error) {
	return capability.CheckResult{Allowed: true}, nil
}

type fakeRouter struct{}

func (fakeRouter) Route(ctx context.Context, req provider.Request) (provider.Response, error) {
	return provider.Response{Model: req.Model, Content: "hello", Provider: "fake"}, nil
}

func (fakeRouter) Stream(ctx context.Context, req provider.Request, idleTimeout time.Duration, onChunk ...func(provider.Chunk)) (*provider.StreamController, error) {
	return nil, apperrors.New(apperrors.ProviderUnavailable, "stream not supported in test fake")
}

func (fakeRouter) Statuses() []provider.ProviderStatus {
	return []provider.ProviderStatus{{ID: "fake", State: "closed"}}
}

type fakeTokens struct{}

func (fakeTokens) Issue(subject string, caps []manifest.Capability, constraints map[string]string, ttl time.Duration) (token.Token, error) {
	return token.Token{Claims: token.Claims{Subject: subject, Capabilities: caps}, Signature: "fake-sig"}, nil
}

func (fakeTokens) Revoke(tokenID string) {}

func testServer(t *testing.T, opts Options) (*httptest.Server, *Gateway) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	gw := New(newFakeEngine(), fakeRouter{}, fakeTokens{}, broker.NewInProcess(), nil, opts)
	engine.GET("/ws", gw.Handler())
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv, gw
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + srv.URL[len("http"):] + "/ws"
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func sendFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestNoAuthTokenSkipsHandshake(t *testing.T) {
	srv, _ := testServer(t, Options{})
	conn := dial(t, srv)

	sendFrame(t, conn, Frame{Type: TypePing, ID: "p1"})
	f := readFrame(t, conn)
	assert.Equal(t, TypePong, f.Type)
	assert.Equal(t, "p1", f.ID)
}

func TestAuthHandshakeSuccess(t *testing.T) {
	srv, _ := testServer(t, Options{AuthToken: "secret"})
	conn := dial(t, srv)

	f := readFrame(t, conn)
	require.Equal(t, TypeAuthRequired, f.Type)

	sendFrame(t, conn, Frame{Type: TypeAuth, ID: "a1", Payload: json.RawMessage(`{"token":"secret"}`)})
	f = readFrame(t, conn)
	assert.Equal(t, TypeAuthSuccess, f.Type)

	sendFrame(t, conn, Frame{Type: TypePing, ID: "p1"})
	f = readFrame(t, conn)
	assert.Equal(t, TypePong, f.Type)
}

func TestAuthHandshakeFailureClosesConnection(t *testing.T) {
	srv, _ := testServer(t, Options{AuthToken: "secret"})
	conn := dial(t, srv)

	f := readFrame(t, conn)
	require.Equal(t, TypeAuthRequired, f.Type)

	sendFrame(t, conn, Frame{Type: TypeAuth, ID: "a1", Payload: json.RawMessage(`{"token":"wrong"}`)})
	f = readFrame(t, conn)
	assert.Equal(t, TypeAuthFailed, f.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err)
}

func TestUnauthenticatedMessageRejected(t *testing.T) {
	// With AuthToken set, a message sent instead of the expected "auth" frame
	// never gets a dispatch chance — authenticate() itself tears the
	// connection down before the read loop (and thus dispatch) ever runs.
	srv, _ := testServer(t, Options{AuthToken: "secret"})
	conn := dial(t, srv)

	f := readFrame(t, conn)
	require.Equal(t, TypeAuthRequired, f.Type)

	sendFrame(t, conn, Frame{Type: TypePing, ID: "p1"})
	f = readFrame(t, conn)
	assert.Equal(t, TypeError, f.Type)
}

func TestAgentSpawnAndStatusRoundTrip(t *testing.T) {
	srv, _ := testServer(t, Options{})
	conn := dial(t, srv)

	manifestPayload, err := json.Marshal(map[string]any{
		"manifest": manifest.Manifest{ID: "demo", Version: "1.0.0"},
		"parentId": "",
	})
	require.NoError(t, err)
	sendFrame(t, conn, Frame{Type: TypeAgentSpawn, ID: "s1", Payload: manifestPayload})

	f := readFrame(t, conn)
	require.Equal(t, TypeAgentSpawnResult, f.Type)
	var summary agentSummaryPayload
	require.NoError(t, json.Unmarshal(f.Payload, &summary))
	assert.Equal(t, "agent-1", summary.ID)

	statusPayload, _ := json.Marshal(agentIDPayload{AgentID: "agent-1"})
	sendFrame(t, conn, Frame{Type: TypeAgentStatus, ID: "s2", Payload: statusPayload})
	f = readFrame(t, conn)
	assert.Equal(t, TypeAgentStatus, f.Type)
}

func TestAgentStatusUnknownAgentReturnsError(t *testing.T) {
	srv, _ := testServer(t, Options{})
	conn := dial(t, srv)

	payload, _ := json.Marshal(agentIDPayload{AgentID: "missing"})
	sendFrame(t, conn, Frame{Type: TypeAgentStatus, ID: "s1", Payload: payload})
	f := readFrame(t, conn)
	require.Equal(t, TypeError, f.Type)
	var ep ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &ep))
	assert.Equal(t, apperrors.CodeFor(apperrors.NotFound), ep.Code)
}

func TestChatRoundTrip(t *testing.T) {
	srv, _ := testServer(t, Options{})
	conn := dial(t, srv)

	payload, _ := json.Marshal(chatRequest{Model: "gpt-test", Messages: []provider.Message{{Role: "user", Content: "hi"}}})
	sendFrame(t, conn, Frame{Type: TypeChat, ID: "c1", Payload: payload})

	f := readFrame(t, conn)
	require.Equal(t, TypeChatResponse, f.Type)
	var resp provider.Response
	require.NoError(t, json.Unmarshal(f.Payload, &resp))
	assert.Equal(t, "hello", resp.Content)
}

func TestRateLimitExceededReturnsError(t *testing.T) {
	srv, _ := testServer(t, Options{MessageRateLimit: 1})
	conn := dial(t, srv)

	sendFrame(t, conn, Frame{Type: TypePing, ID: "p1"})
	_ = readFrame(t, conn) // first message consumes the lone token

	sendFrame(t, conn, Frame{Type: TypePing, ID: "p2"})
	f := readFrame(t, conn)
	require.Equal(t, TypeError, f.Type)
	var ep ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &ep))
	assert.Equal(t, apperrors.CodeFor(apperrors.RateLimited), ep.Code)
}

func TestSubscribeEventsReceivesPublishedEvent(t *testing.T) {
	srv, gw := testServer(t, Options{})
	conn := dial(t, srv)

	sendFrame(t, conn, Frame{Type: TypeSubscribeEvents, ID: "sub1", Payload: json.RawMessage(`{"channel":"agent-1"}`)})
	f := readFrame(t, conn)
	require.Equal(t, TypeSubscribeConfirmed, f.Type)

	require.NoError(t, gw.broker.Publish(context.Background(), "agent-1", "state_changed", map[string]any{"state": "running"}))

	f = readFrame(t, conn)
	assert.Equal(t, TypeEvent, f.Type)
}

func TestConnectionReceivesEventsWithoutExplicitSubscribe(t *testing.T) {
	srv, gw := testServer(t, Options{})
	conn := dial(t, srv)

	// A ping round-trip guarantees the server has run past handleConnection's
	// default "*" subscription before the publish below.
	sendFrame(t, conn, Frame{Type: TypePing, ID: "p1"})
	f := readFrame(t, conn)
	require.Equal(t, TypePong, f.Type)

	require.NoError(t, gw.broker.Publish(context.Background(), "agent-42", "state_changed", map[string]any{"state": "running"}))

	f = readFrame(t, conn)
	assert.Equal(t, TypeEvent, f.Type)
}

func TestSubscribeEventsNarrowsAwayFromDefaultFirehose(t *testing.T) {
	srv, gw := testServer(t, Options{})
	conn := dial(t, srv)

	sendFrame(t, conn, Frame{Type: TypeSubscribeEvents, ID: "sub1", Payload: json.RawMessage(`{"channel":"agent-1"}`)})
	f := readFrame(t, conn)
	require.Equal(t, TypeSubscribeConfirmed, f.Type)

	// An event on a different channel must not arrive: subscribe_events
	// replaced the default "*" firehose rather than adding to it.
	require.NoError(t, gw.broker.Publish(context.Background(), "agent-2", "state_changed", map[string]any{"state": "running"}))

	sendFrame(t, conn, Frame{Type: TypePing, ID: "p1"})
	f = readFrame(t, conn)
	assert.Equal(t, TypePong, f.Type)
}

func TestHealthEndpointReportsOK(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	gw := New(newFakeEngine(), fakeRouter{}, fakeTokens{}, broker.NewInProcess(), nil, Options{})
	gw.RegisterHealthRoutes(engine, nil, HealthOptions{Version: "test"})

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, statusOK, body.Status)
}
