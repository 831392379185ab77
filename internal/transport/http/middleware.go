package http

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/parcel-service/internal/metrics"
	"github.com/richardliu001/parcel-service/internal/model"
	"github.com/richardliu001/parcel-service/internal/repo"
	"github.com/richardliu001/parcel-service/internal/service"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	userHeader = "X-User-ID"
	actorKey   = "actor"
)

// LoggingMiddleware prints request/response metrics.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof("%s %s %d %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// MetricsMiddleware counts requests by route template.
func MetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()))
	}
}

// RateLimitMiddleware simple token bucket per IP.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	newLimiter := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) }
	return func(c *gin.Context) {
		ip, _, _ := net.SplitHostPort(c.Request.RemoteAddr)
		mu.Lock()
		lim, ok := buckets[ip]
		if !ok {
			lim = newLimiter()
			buckets[ip] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": "RATE_LIMITED", "error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// IdentityMiddleware resolves the gateway-asserted user id against the
// directory and stores the Actor on the context.
func IdentityMiddleware(users repo.UserDirectory, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(userHeader))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "error": "missing " + userHeader})
			return
		}
		u, err := users.GetUser(c.Request.Context(), id)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "error": "unknown user"})
			return
		case err != nil:
			log.Errorw("user directory lookup failed", "user_id", id, "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"code": "OPERATION_FAILED", "error": "Please try again"})
			return
		case u.AccountStatus != model.AccountActive:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "error": "account is not active"})
			return
		}
		c.Set(actorKey, service.Actor{ID: u.ID, Role: u.Role})
		c.Next()
	}
}

func actorFrom(c *gin.Context) service.Actor {
	a, _ := c.Get(actorKey)
	actor, _ := a.(service.Actor)
	return actor
}
