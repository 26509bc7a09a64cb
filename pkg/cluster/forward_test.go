package cluster

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
)

func TestForwardRoundTripsThroughLocalHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	RegisterForwardRoute(engine, func(c *gin.Context, req ForwardRequest) (ForwardResponse, error) {
		assert.Equal(t, "agent-1", req.AgentID)
		return ForwardResponse{Type: "agent_status", Payload: json.RawMessage(`{"state":"running"}`)}, nil
	})
	server := httptest.NewServer(engine)
	defer server.Close()

	f := NewForwarder(0)
	resp, err := f.Forward(context.Background(), server.URL, ForwardRequest{AgentID: "agent-1", Type: "agent_status"})
	require.NoError(t, err)
	assert.Equal(t, "agent_status", resp.Type)
	assert.JSONEq(t, `{"state":"running"}`, string(resp.Payload))
}

func TestForwardSurfacesAgentUnreachableOnError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	RegisterForwardRoute(engine, func(c *gin.Context, req ForwardRequest) (ForwardResponse, error) {
		return ForwardResponse{}, apperrors.New(apperrors.NotFound, "no such agent")
	})
	server := httptest.NewServer(engine)
	defer server.Close()

	f := NewForwarder(0)
	_, err := f.Forward(context.Background(), server.URL, ForwardRequest{AgentID: "missing"})
	require.Error(t, err)
	assert.Equal(t, apperrors.AgentUnreachable, apperrors.KindOf(err))
}
