package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
	"github.com/kestrel-run/agentrt/pkg/lifecycle"
	"github.com/kestrel-run/agentrt/pkg/manifest"
	"github.com/kestrel-run/agentrt/pkg/policy"
	"github.com/kestrel-run/agentrt/pkg/provider"
)

// checkEgress evaluates a model request against the network resource class
// before it reaches a provider, per spec §4.6. A nil policy engine (the
// default) means no rules were configured and every request passes.
func (g *Gateway) checkEgress(agentID, model string) error {
	if g.policy == nil {
		return nil
	}
	verdict := g.policy.Evaluate(context.Background(), policy.Request{Class: policy.ClassNetwork, Resource: model, AgentID: agentID})
	if verdict.Decision != policy.DecisionAllow {
		return apperrors.New(apperrors.ForbiddenCapability, "network policy denied model "+model+": "+verdict.Reason)
	}
	return nil
}

// dispatch routes one inbound frame to its handler, per spec §4.2 step 4.
// Every dispatched message is logically enveloped by connection id +
// correlation id + type; since this core has no tracing SDK wired, that
// envelope is realized as structured log fields rather than a trace span.
func (g *Gateway) dispatch(conn *connection, f Frame) {
	slog.Debug("gateway: dispatch", "connection_id", conn.id, "correlation_id", f.ID, "type", f.Type)
	if !conn.authenticated {
		_ = conn.send(errorFrame(f.ID, apperrors.New(apperrors.Unauthenticated, "not authenticated")))
		return
	}

	ctx := conn.ctx
	switch f.Type {
	case TypePing:
		_ = conn.send(Frame{Type: TypePong, ID: f.ID, Timestamp: time.Now()})

	case TypeAgentSpawn:
		g.handleSpawn(ctx, conn, f)
	case TypeAgentStatus:
		g.handleStatus(conn, f)
	case TypeAgentList:
		g.handleList(conn, f)
	case TypeAgentTerminate:
		g.handleTerminate(ctx, conn, f)
	case TypeAgentTask:
		g.handleTask(ctx, conn, f)
	case TypeChat:
		g.handleChat(ctx, conn, f)
	case TypeChatStream:
		g.handleChatStream(ctx, conn, f)
	case TypeCapabilityGrant:
		g.handleCapabilityGrant(conn, f)
	case TypeCapabilityRevoke:
		g.handleCapabilityRevoke(conn, f)
	case TypeCapabilityList:
		g.handleCapabilityList(conn, f)
	case TypeSubscribeEvents:
		g.handleSubscribeEvents(conn, f)

	default:
		_ = conn.send(errorFrame(f.ID, apperrors.New(apperrors.Validation, "unrecognized message type: "+f.Type)))
	}
}

func (g *Gateway) fail(conn *connection, id string, err error) {
	_ = conn.send(errorFrame(id, err))
}

type spawnRequest struct {
	Manifest manifest.Manifest `json:"manifest"`
	ParentID string            `json:"parentId"`
}

func (g *Gateway) handleSpawn(ctx context.Context, conn *connection, f Frame) {
	var req spawnRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.Validation, "malformed agent_spawn payload"))
		return
	}
	agent, err := g.engine.Spawn(ctx, req.Manifest, req.ParentID)
	if err != nil {
		g.fail(conn, f.ID, err)
		return
	}
	_ = conn.send(replyFrame(f.ID, TypeAgentSpawnResult, agentSummary(agent)))
}

type agentIDPayload struct {
	AgentID string `json:"agentId"`
}

func (g *Gateway) handleStatus(conn *connection, f Frame) {
	var req agentIDPayload
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.Validation, "malformed agent_status payload"))
		return
	}
	agent, err := g.engine.Get(req.AgentID)
	if err != nil {
		g.fail(conn, f.ID, err)
		return
	}
	_ = conn.send(replyFrame(f.ID, TypeAgentStatus, agentSummary(agent)))
}

func (g *Gateway) handleList(conn *connection, f Frame) {
	agents := g.engine.List()
	summaries := make([]agentSummaryPayload, 0, len(agents))
	for _, a := range agents {
		summaries = append(summaries, agentSummary(a))
	}
	_ = conn.send(replyFrame(f.ID, TypeAgentList, map[string]any{"agents": summaries}))
}

type terminateRequest struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason"`
}

func (g *Gateway) handleTerminate(ctx context.Context, conn *connection, f Frame) {
	var req terminateRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.Validation, "malformed agent_terminate payload"))
		return
	}
	ok, err := g.engine.Terminate(ctx, req.AgentID, req.Reason)
	if err != nil {
		g.fail(conn, f.ID, err)
		return
	}
	_ = conn.send(replyFrame(f.ID, TypeAgentTerminateRes, map[string]any{"agentId": req.AgentID, "terminated": ok}))
}

// agentTaskRequest routes a chat turn through the model router in the
// context of a specific agent. The network egress policy is checked here
// (checkEgress); the agent's capability grants are not.
type agentTaskRequest struct {
	AgentID  string             `json:"agentId"`
	Model    string             `json:"model"`
	Messages []provider.Message `json:"messages"`
}

func (g *Gateway) handleTask(ctx context.Context, conn *connection, f Frame) {
	var req agentTaskRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.Validation, "malformed agent_task payload"))
		return
	}
	if _, err := g.engine.Get(req.AgentID); err != nil {
		g.fail(conn, f.ID, err)
		return
	}
	if g.router == nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.ProviderUnavailable, "no model router configured"))
		return
	}
	if err := g.checkEgress(req.AgentID, req.Model); err != nil {
		g.fail(conn, f.ID, err)
		return
	}
	resp, err := g.router.Route(ctx, provider.Request{Model: req.Model, Messages: req.Messages, Metadata: map[string]any{"agentId": req.AgentID}})
	if err != nil {
		g.fail(conn, f.ID, err)
		return
	}
	_ = conn.send(replyFrame(f.ID, TypeAgentTaskResult, resp))
}

type chatRequest struct {
	Model    string             `json:"model"`
	Messages []provider.Message `json:"messages"`
}

func (g *Gateway) handleChat(ctx context.Context, conn *connection, f Frame) {
	var req chatRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.Validation, "malformed chat payload"))
		return
	}
	if g.router == nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.ProviderUnavailable, "no model router configured"))
		return
	}
	if err := g.checkEgress("", req.Model); err != nil {
		g.fail(conn, f.ID, err)
		return
	}
	resp, err := g.router.Route(ctx, provider.Request{Model: req.Model, Messages: req.Messages})
	if err != nil {
		g.fail(conn, f.ID, err)
		return
	}
	_ = conn.send(replyFrame(f.ID, TypeChatResponse, resp))
}

// handleChatStream drives the router's streaming path and forwards each
// chunk as a chat_stream frame sharing the inbound correlation id, followed
// by a single terminal chat_stream_end — spec §4.2's "streaming replies
// consist of zero or more intermediate chunks followed by a terminal end".
func (g *Gateway) handleChatStream(ctx context.Context, conn *connection, f Frame) {
	var req chatRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.Validation, "malformed chat payload"))
		return
	}
	if g.router == nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.ProviderUnavailable, "no model router configured"))
		return
	}
	if err := g.checkEgress("", req.Model); err != nil {
		g.fail(conn, f.ID, err)
		return
	}

	onChunk := func(chunk provider.Chunk) {
		_ = conn.send(replyFrame(f.ID, TypeChatStream, chunk))
	}
	ctrl, err := g.router.Stream(ctx, provider.Request{Model: req.Model, Messages: req.Messages}, g.opts.StreamIdleTimeout, onChunk)
	if err != nil {
		g.fail(conn, f.ID, err)
		return
	}
	resp, err := ctrl.Wait()
	if err != nil {
		_ = conn.send(errorFrame(f.ID, err))
		return
	}
	_ = conn.send(replyFrame(f.ID, TypeChatStreamEnd, resp))
}

type capabilityGrantRequest struct {
	Subject     string              `json:"subject"`
	Capabilities []manifest.Capability `json:"capabilities"`
	Constraints map[string]string   `json:"constraints"`
	TTLSeconds  int64               `json:"ttlSeconds"`
}

func (g *Gateway) handleCapabilityGrant(conn *connection, f Frame) {
	var req capabilityGrantRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.Validation, "malformed capability_grant payload"))
		return
	}
	if g.tokens == nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.Forbidden, "capability tokens not configured"))
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	tok, err := g.tokens.Issue(req.Subject, req.Capabilities, req.Constraints, ttl)
	if err != nil {
		g.fail(conn, f.ID, err)
		return
	}
	_ = conn.send(replyFrame(f.ID, TypeCapabilityGrant, tok))
}

type capabilityRevokeRequest struct {
	TokenID string `json:"tokenId"`
}

func (g *Gateway) handleCapabilityRevoke(conn *connection, f Frame) {
	var req capabilityRevokeRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.Validation, "malformed capability_revoke payload"))
		return
	}
	if g.tokens == nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.Forbidden, "capability tokens not configured"))
		return
	}
	g.tokens.Revoke(req.TokenID)
	_ = conn.send(replyFrame(f.ID, TypeCapabilityRevoke, map[string]any{"tokenId": req.TokenID, "revoked": true}))
}

func (g *Gateway) handleCapabilityList(conn *connection, f Frame) {
	var req agentIDPayload
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.Validation, "malformed capability_list payload"))
		return
	}
	agent, err := g.engine.Get(req.AgentID)
	if err != nil {
		g.fail(conn, f.ID, err)
		return
	}
	var grants []map[string]any
	if agent.Sandbox != nil {
		for _, grant := range agent.Sandbox.Grants() {
			grants = append(grants, map[string]any{
				"capability":  grant.Capability,
				"grantorId":   grant.GrantorID,
				"expiry":      grant.Expiry,
				"constraints": grant.Constraints,
			})
		}
	}
	_ = conn.send(replyFrame(f.ID, TypeCapabilityList, map[string]any{"agentId": req.AgentID, "grants": grants}))
}

// subscribeEventsRequest optionally filters the broker's `*` fan-out down to
// one agent's channel, per spec §4.2 "Connections may additionally
// subscribe_events to filter by agent."
type subscribeEventsRequest struct {
	Channel string `json:"channel"`
	SinceSeq uint64 `json:"sinceSeq"`
}

func (g *Gateway) handleSubscribeEvents(conn *connection, f Frame) {
	var req subscribeEventsRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		g.fail(conn, f.ID, apperrors.New(apperrors.Validation, "malformed subscribe_events payload"))
		return
	}
	channel := req.Channel
	if channel == "" {
		channel = "*"
	}

	overflowed := g.subscribe(conn, channel, req.SinceSeq)
	_ = conn.send(replyFrame(f.ID, TypeSubscribeConfirmed, map[string]any{"channel": channel, "overflowed": overflowed}))
}

// subscribe points conn at channel, replacing any prior subscription (per
// spec §4.2 "the gateway subscribes [every connection] to every channel
// (`*`) ... connections may additionally subscribe_events to filter by
// agent" — one active scope per connection, narrowed rather than added to).
// It replays anything the connection missed since sinceSeq and reports
// whether that replay overflowed the broker's retained history.
func (g *Gateway) subscribe(conn *connection, channel string, sinceSeq uint64) bool {
	events, unsubscribe := g.broker.Subscribe(channel)
	conn.setSubscription(channel, unsubscribe)
	go func() {
		for ev := range events {
			conn.forwardEvent(ev)
		}
	}()

	missed, overflowed := g.broker.Catchup(channel, sinceSeq)
	for _, ev := range missed {
		conn.forwardEvent(ev)
	}
	return overflowed
}

type agentSummaryPayload struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	HomeNode      string    `json:"homeNode"`
	CreatedAt     time.Time `json:"createdAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

func agentSummary(a *lifecycle.Agent) agentSummaryPayload {
	return agentSummaryPayload{
		ID:            a.ID,
		State:         string(a.State),
		HomeNode:      a.HomeNode,
		CreatedAt:     a.CreatedAt,
		LastHeartbeat: a.LastHeartbeat,
	}
}
