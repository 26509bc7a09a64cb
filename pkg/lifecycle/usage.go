package lifecycle

import (
	"time"

	"github.com/kestrel-run/agentrt/pkg/audit"
	"github.com/kestrel-run/agentrt/pkg/manifest"
)

// RecordUsage updates sliding-window token accounting for id, sliding the
// window when stale and emitting a resource_warning event when any limit is
// crossed. Unknown ids are silently ignored per spec §4.1.
func (e *Engine) RecordUsage(id, model string, inTok, outTok int64) {
	sv, err := e.lookup(id)
	if err != nil {
		return
	}

	sv.mu.Lock()
	now := e.clock()
	u := &sv.agent.Usage
	if now.Sub(u.WindowStart) > time.Minute {
		u.WindowStart = now
		u.TokensThisMinute = 0
	}
	u.TokensThisMinute += inTok + outTok
	u.InputTokens += inTok
	u.OutputTokens += outTok
	u.RequestCount++

	price, known := e.cfg.ModelPrices[model]
	if known {
		u.EstimatedCostUSD += float64(inTok)*price.InputPerToken + float64(outTok)*price.OutputPerToken
	}

	limits := manifest.MergeLimits(e.cfg.DefaultLimits, e.cfg.DefaultLimits, sv.agent.Manifest.LimitOverrides)
	warn, reasons := usageBreachesLimits(*u, limits, inTok+outTok)
	usageSnapshot := *u
	agentID := sv.agent.ID
	sv.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RequestTokens.WithLabelValues("input").Add(float64(inTok))
		e.metrics.RequestTokens.WithLabelValues("output").Add(float64(outTok))
		if known {
			e.metrics.EstimatedCostUSD.WithLabelValues(model).Add(float64(inTok)*price.InputPerToken + float64(outTok)*price.OutputPerToken)
		}
	}

	if warn {
		e.record(audit.CategoryResource, agentID, "resource_warning", "agent:"+agentID, "warn", map[string]any{"reasons": reasons})
		e.publish("resource_warning", map[string]any{"agentId": agentID, "reasons": reasons, "usage": usageSnapshot})
	}
}

// usageBreachesLimits reports whether any configured limit has been crossed
// by u, and a human-readable reason per breach. The transition is never
// refused here — per spec §4.1, policy layers decide whether to pause or
// terminate an over-limit agent.
func usageBreachesLimits(u Usage, limits manifest.ResourceLimits, lastRequestTokens int64) (bool, []string) {
	var reasons []string
	if limits.TokensPerMinute > 0 && u.TokensThisMinute > limits.TokensPerMinute {
		reasons = append(reasons, "tokensPerMinute exceeded")
	}
	if limits.MaxTokensPerRequest > 0 && lastRequestTokens > limits.MaxTokensPerRequest {
		reasons = append(reasons, "maxTokensPerRequest exceeded")
	}
	if limits.MaxConcurrentReqs > 0 && u.ActiveRequests > limits.MaxConcurrentReqs {
		reasons = append(reasons, "maxConcurrentRequests exceeded")
	}
	if limits.DailyCostCeilingUSD > 0 && u.EstimatedCostUSD > limits.DailyCostCeilingUSD {
		reasons = append(reasons, "dailyCostCeiling exceeded")
	}
	return len(reasons) > 0, reasons
}
