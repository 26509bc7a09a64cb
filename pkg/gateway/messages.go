// Package gateway implements the Gateway Control Plane (spec §4.2): one
// duplex, message-framed endpoint per connection, grounded on tarsy's
// pkg/events/manager.go ConnectionManager/Connection shape but generalized
// from its fixed subscribe/unsubscribe/catchup vocabulary to the full
// message-type list in spec §6 (agent_spawn, agent_task, chat, capability_*,
// subscribe_events, ...).
package gateway

import (
	"encoding/json"
	"time"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
)

// Message types from spec §6. This list may grow over time; unrecognized
// inbound types get an error frame rather than a panic.
const (
	TypeAuth              = "auth"
	TypeAuthRequired      = "auth_required"
	TypeAuthSuccess       = "auth_success"
	TypeAuthFailed        = "auth_failed"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeAgentSpawn        = "agent_spawn"
	TypeAgentSpawnResult  = "agent_spawn_result"
	TypeAgentStatus       = "agent_status"
	TypeAgentList         = "agent_list"
	TypeAgentTask         = "agent_task"
	TypeAgentTaskResult   = "agent_task_result"
	TypeAgentTerminate    = "agent_terminate"
	TypeAgentTerminateRes = "agent_terminate_result"
	TypeChat              = "chat"
	TypeChatResponse      = "chat_response"
	TypeChatStream        = "chat_stream"
	TypeChatStreamEnd     = "chat_stream_end"
	TypeCapabilityGrant   = "capability_grant"
	TypeCapabilityRevoke  = "capability_revoke"
	TypeCapabilityList    = "capability_list"
	TypeSubscribeEvents   = "subscribe_events"
	TypeSubscribeConfirmed = "subscription_confirmed"
	TypeEvent             = "event"
	TypeError             = "error"
)

// Frame is the wire envelope: "{type, optional correlation-id, optional
// payload, optional timestamp}" per spec §4.2.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// ErrorPayload is the body of every outbound "error" frame.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

func errorFrame(correlationID string, err error) Frame {
	kind := apperrors.KindOf(err)
	payload, _ := json.Marshal(ErrorPayload{Code: apperrors.CodeFor(kind), Message: err.Error(), Retriable: apperrors.Retriable(kind)})
	return Frame{Type: TypeError, ID: correlationID, Payload: payload, Timestamp: time.Now()}
}

func replyFrame(correlationID, frameType string, payload any) Frame {
	data, err := json.Marshal(payload)
	if err != nil {
		return errorFrame(correlationID, apperrors.New(apperrors.Internal, err.Error()))
	}
	return Frame{Type: frameType, ID: correlationID, Payload: data, Timestamp: time.Now()}
}
