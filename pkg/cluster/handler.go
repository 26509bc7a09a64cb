package cluster

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
)

// LocalHandler is supplied by the gateway: given a forwarded request for an
// agent this node actually hosts, execute it against the local agent map and
// return the reply payload.
type LocalHandler func(ctx *gin.Context, req ForwardRequest) (ForwardResponse, error)

// RegisterForwardRoute wires POST /internal/forward onto engine, dispatching
// to handle. It lives in pkg/cluster (not pkg/gateway) because it speaks the
// same ForwardRequest/ForwardResponse wire shape Forwarder sends, keeping the
// inter-node contract in one file.
func RegisterForwardRoute(engine *gin.Engine, handle LocalHandler) {
	engine.POST("/internal/forward", func(c *gin.Context) {
		var req ForwardRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed forward request"})
			return
		}
		resp, err := handle(c, req)
		if err != nil {
			status := http.StatusInternalServerError
			if apperrors.KindOf(err) == apperrors.NotFound || apperrors.KindOf(err) == apperrors.AgentUnreachable {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	})
}
