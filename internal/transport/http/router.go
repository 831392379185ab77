package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/parcel-service/internal/config"
	"github.com/richardliu001/parcel-service/internal/metrics"
	"github.com/richardliu001/parcel-service/internal/repo"
	"github.com/richardliu001/parcel-service/internal/service"
	"go.uber.org/zap"
)

// Services bundles what the router serves.
type Services struct {
	Deliveries *service.DeliveryService
	Wallets    *service.WalletService
	Users      repo.UserDirectory
}

func NewRouter(svc Services, m *metrics.Metrics, gatherer prometheus.Gatherer, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(MetricsMiddleware(m))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	v1.Use(IdentityMiddleware(svc.Users, log))
	{
		registerDeliveryHandlers(v1, svc.Deliveries, log)
		registerWalletHandlers(v1, svc.Wallets, log)
	}
	return r
}
