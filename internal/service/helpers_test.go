package service

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/richardliu001/parcel-service/internal/guard"
	"github.com/richardliu001/parcel-service/internal/logger"
	"github.com/richardliu001/parcel-service/internal/metrics"
	"github.com/richardliu001/parcel-service/internal/model"
	"github.com/richardliu001/parcel-service/internal/repo"
	"github.com/richardliu001/parcel-service/internal/repo/repotest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	log      *zap.SugaredLogger
	db       *gorm.DB
	repo     *repo.Repository
	guard    *guard.RedisGuard
	metrics  *metrics.Metrics
	wallet   *WalletService
	delivery *DeliveryService
}

func newHarness(t *testing.T, payout bool) *harness {
	t.Helper()
	log, err := logger.NewLogger("error")
	require.NoError(t, err)

	db := repotest.NewDB(t)
	r := repo.NewRepository(db, log)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	g := guard.NewRedisGuard(rdb, 5*time.Second)

	m := metrics.New(prometheus.NewRegistry())
	w := NewWalletService(r, g, m, log, WalletOptions{MaxAttempts: 2, RetryBackoff: 5 * time.Millisecond})
	d := NewDeliveryService(r, w, m, log, DeliveryOptions{PayoutOnDelivery: payout})
	return &harness{log: log, db: db, repo: r, guard: g, metrics: m, wallet: w, delivery: d}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sender(id string) Actor   { return Actor{ID: id, Role: model.RoleSender} }
func traveler(id string) Actor { return Actor{ID: id, Role: model.RoleTraveler} }

func parcel(pickup, drop string) model.DeliveryParams {
	return model.DeliveryParams{
		ItemName:        "Laptop",
		ItemDescription: "14 inch, boxed",
		ItemWeight:      dec("2.5"),
		PickupAddress:   pickup,
		DropAddress:     drop,
		Urgency:         model.UrgencyNormal,
		Price:           dec("500"),
	}
}
