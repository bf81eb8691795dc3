package transporthttp

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradevane/internal/analysis"
	"tradevane/internal/broker"
	"tradevane/internal/cache"
	"tradevane/internal/gateway/provider"
	"tradevane/internal/monitor"
	"tradevane/internal/pipeline"
	"tradevane/internal/ratelimit"
	"tradevane/internal/realtime"
	"tradevane/internal/scheduler"
	"tradevane/internal/secret"
	"tradevane/internal/store"
)

// Router wires the API surface to its collaborators.
type Router struct {
	Pipeline  *pipeline.Pipeline
	Scheduler *scheduler.Scheduler
	Monitor   *monitor.Monitor
	Gateway   *provider.Gateway
	Registry  *broker.Registry
	Store     store.Store
	Cache     cache.Store
	Box       *secret.Box
	Realtime  *realtime.Broker

	// Shared secret for the external scheduler trigger.
	TriggerToken string
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/analysis", r.handleRunAnalysis)
	group.GET("/analysis/:instrument/history", r.handleAnalysisHistory)
	group.GET("/analysis/:instrument/updated", r.handleAnalysisUpdated)
	group.GET("/analysis/:instrument/stream", r.handleAnalysisStream)
	group.GET("/analysis/instruments", r.handleInstruments)

	group.GET("/ai/providers", r.handleProviderStats)

	group.GET("/broker/:broker/authorize", r.handleBrokerAuthorize)
	group.GET("/broker/callback", r.handleBrokerCallback)
	group.POST("/broker/:broker/connect", r.handleBrokerConnect)
	group.GET("/broker/connections", r.handleListConnections)
	group.DELETE("/broker/connections/:id", r.handleDisconnect)
	group.GET("/broker/metrics", r.handleBrokerMetrics)

	group.POST("/scheduler/sync", r.handleTriggerSync)
	group.GET("/scheduler/status", r.handleSchedulerStatus)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Seconds until the caller should retry, rate-limit responses only.
	RetryAfter int `json:"retry_after,omitempty"`
}

// respondError maps domain errors onto the wire contract: 400 for caller
// mistakes, 429 for exhausted budgets, 502 for unfixable model output, 503
// when every AI upstream is down, 500 for the rest.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrUnsupportedInstrument):
		c.JSON(http.StatusBadRequest, apiError{Code: "UNSUPPORTED_INSTRUMENT", Message: err.Error()})
	case errors.Is(err, broker.ErrNotSupported):
		c.JSON(http.StatusBadRequest, apiError{Code: "NOT_SUPPORTED", Message: err.Error()})
	case errors.Is(err, ratelimit.ErrRateLimited):
		resp := apiError{Code: "RATE_LIMITED", Message: err.Error()}
		var le *ratelimit.LimitError
		if errors.As(err, &le) {
			secs := int(le.RetryAfter / time.Second)
			if secs < 1 {
				secs = 1
			}
			resp.RetryAfter = secs
			c.Header("Retry-After", strconv.Itoa(secs))
		}
		c.JSON(http.StatusTooManyRequests, resp)
	case errors.Is(err, analysis.ErrValidationFailed):
		c.JSON(http.StatusBadGateway, apiError{Code: "VALIDATION_FAILED", Message: err.Error()})
	case errors.Is(err, analysis.ErrGatewayFailed), errors.Is(err, provider.ErrUpstreamUnavailable):
		c.JSON(http.StatusServiceUnavailable, apiError{Code: "UPSTREAM_UNAVAILABLE", Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, apiError{Code: "INTERNAL", Message: err.Error()})
	}
}
