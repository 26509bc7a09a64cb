package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
)

// ForwardRequest is the envelope sent to the owning node for an agent this
// node doesn't host, over the plain HTTP+JSON inter-node channel (spec §4.5
// "forwarded over the cluster's inter-node channel"; SPEC_FULL's dropped-gRPC
// note settles on reusing the gateway's own net/http stack rather than
// introducing a second RPC transport).
type ForwardRequest struct {
	AgentID       string          `json:"agentId"`
	CorrelationID string          `json:"correlationId"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
}

// ForwardResponse is the owning node's reply, round-tripped back to the
// connection that originated the request.
type ForwardResponse struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Forwarder dispatches a ForwardRequest to another node's internal HTTP
// endpoint and decodes its reply. It has no knowledge of the gateway's
// connection machinery — it is a plain client. pkg/gateway does not call it:
// inbound messages for an agent not homed on this node are not forwarded
// automatically.
type Forwarder struct {
	client *http.Client
}

// NewForwarder builds a Forwarder with a bounded per-request timeout; the
// caller is expected to apply its own cancellation via ctx on top.
func NewForwarder(timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Forwarder{client: &http.Client{Timeout: timeout}}
}

// Forward posts req to targetBaseURL's internal forwarding path and decodes
// the owning node's reply. Per spec, a stale/dead owning node surfaces as
// AgentUnreachable rather than a generic network error.
func (f *Forwarder) Forward(ctx context.Context, targetBaseURL string, req ForwardRequest) (*ForwardResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, targetBaseURL+"/internal/forward", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.New(apperrors.AgentUnreachable, fmt.Sprintf("forwarding to %s failed: %v", targetBaseURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, apperrors.New(apperrors.AgentUnreachable, fmt.Sprintf("forwarding to %s returned %d: %s", targetBaseURL, resp.StatusCode, string(data)))
	}

	var out ForwardResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	return &out, nil
}
