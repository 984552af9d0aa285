package http

import (
	"sync"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/config"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/observability"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/server/app"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/server/ports"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps carries what the router wires into handlers.
type RouterDeps struct {
	Coordinator *app.Coordinator
	Health      ports.HealthChecker
	Server      config.ServerConfig
	Version     string
	Tracer      *observability.TracerProvider
	Metrics     *observability.RunMetrics
	// Gatherer backs /metrics; nil omits the endpoint.
	Gatherer prometheus.Gatherer
	Debug    bool
}

var ginModeOnce sync.Once

// NewRouter builds the HTTP surface: REST, the conversation stream and metrics.
func NewRouter(deps RouterDeps) *gin.Engine {
	ginModeOnce.Do(func() {
		if !deps.Debug {
			gin.SetMode(gin.ReleaseMode)
		}
	})
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(ObservabilityMiddleware(deps.Tracer, logging.NewComponentLogger("HTTP")))
	engine.Use(CORSMiddleware(deps.Server.AllowedOrigins))

	logger := logging.NewComponentLogger("Router")
	api := NewAPIHandler(deps.Coordinator, deps.Health, deps.Version, logger)
	stream := NewWSHandler(deps.Coordinator, deps.Server.AllowedOrigins,
		WithInboundLimit(deps.Server.InboundPerSecond, deps.Server.InboundBurst),
		WithWSMetrics(deps.Metrics),
		WithWSLogger(logging.NewComponentLogger("Stream")),
	)

	engine.GET("/health", api.HandleHealth)
	if deps.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// The stream is long-lived, so it sits outside the request limiter.
	engine.GET("/api/conversations/:id/ws", stream.HandleStream)

	rest := engine.Group("/api")
	rest.Use(RateLimitMiddleware(RateLimitConfig{
		RequestsPerMinute: deps.Server.RateLimit.RequestsPerMinute,
		Burst:             deps.Server.RateLimit.Burst,
	}))
	{
		rest.GET("/conversations", api.HandleListConversations)
		rest.POST("/conversations", api.HandleCreateConversation)
		rest.GET("/conversations/:id", api.HandleGetConversation)
		rest.DELETE("/conversations/:id", api.HandleDeleteConversation)
		rest.GET("/agents", api.HandleListAgents)
		rest.GET("/agents/:id", api.HandleGetAgent)
		rest.GET("/runs", api.HandleListRuns)
		rest.GET("/runs/:id", api.HandleGetRun)
	}
	return engine
}
