package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sirenorder/point-service/internal/config"
	"github.com/sirenorder/point-service/internal/service"
)

// NewRouter wires middleware, the point endpoints and /metrics.
// A nil gatherer serves the default Prometheus registry.
func NewRouter(svc *service.PointService, rl config.RateLimitConfig, log *zap.SugaredLogger, gatherer prometheus.Gatherer) *gin.Engine {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", healthHandler(svc))

	api := r.Group("/")
	api.Use(LoggingMiddleware(log))
	api.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(api, svc)
	return r
}
