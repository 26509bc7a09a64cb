package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrel-run/agentrt/pkg/telemetry"
)

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusError    = "error"
)

// ProviderHealth mirrors one entry of Gateway's providers[] field.
type ProviderHealth struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// HealthResponse is the body of GET /health, per spec §6.
type HealthResponse struct {
	Status      string           `json:"status"`
	Version     string           `json:"version"`
	UptimeSec   int64            `json:"uptimeSeconds"`
	Providers   []ProviderHealth `json:"providers"`
	Agents      int              `json:"agents"`
	Connections int              `json:"connections"`
	Timestamp   time.Time        `json:"timestamp"`
}

// HealthOptions configures the /health and /metrics endpoints.
type HealthOptions struct {
	Version   string
	StartedAt time.Time
}

// RegisterHealthRoutes wires GET /health and GET /metrics onto engine,
// grounded on tarsy's pkg/api/server.go setupRoutes + healthHandler — a
// single status field derived from the worst component, plus a detail
// breakdown (providers here; database/worker_pool there).
func (g *Gateway) RegisterHealthRoutes(engine *gin.Engine, metrics *telemetry.Metrics, opts HealthOptions) {
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}
	engine.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		resp := g.health(ctx, opts)
		httpStatus := http.StatusOK
		if resp.Status == statusError {
			httpStatus = http.StatusServiceUnavailable
		}
		c.JSON(httpStatus, resp)
	})

	if metrics != nil {
		h := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
		engine.GET("/metrics", gin.WrapH(h))
	}
}

// health computes the aggregate status per spec §6: ok iff every provider is
// closed/half_open and the store responds, error iff no provider is healthy
// (an empty provider list included — there is nothing to serve), degraded
// otherwise (e.g. some providers tripped, or the store is unreachable while
// at least one provider is still healthy).
func (g *Gateway) health(ctx context.Context, opts HealthOptions) HealthResponse {
	var providers []ProviderHealth
	healthy, total := 0, 0
	if g.router != nil {
		for _, st := range g.router.Statuses() {
			total++
			if st.State != "open" {
				healthy++
			}
			providers = append(providers, ProviderHealth{ID: st.ID, State: st.State})
		}
	}

	storeReachable := true
	if g.store != nil {
		storeReachable = g.store.Health(ctx) == nil
	}

	status := statusOK
	switch {
	case healthy == 0:
		status = statusError
	case healthy < total || !storeReachable:
		status = statusDegraded
	}

	agents := 0
	if g.engine != nil {
		agents = len(g.engine.List())
	}

	return HealthResponse{
		Status:      status,
		Version:     opts.Version,
		UptimeSec:   int64(time.Since(opts.StartedAt).Seconds()),
		Providers:   providers,
		Agents:      agents,
		Connections: g.ActiveConnections(),
		Timestamp:   time.Now(),
	}
}
