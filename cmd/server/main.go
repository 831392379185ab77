package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/parcel-service/internal/config"
	"github.com/richardliu001/parcel-service/internal/guard"
	"github.com/richardliu001/parcel-service/internal/logger"
	"github.com/richardliu001/parcel-service/internal/metrics"
	"github.com/richardliu001/parcel-service/internal/repo"
	"github.com/richardliu001/parcel-service/internal/service"
	httptransport "github.com/richardliu001/parcel-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load(config.Path())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatalf("postgres pool: %v", err)
	}
	defer sqlDB.Close()
	if cfg.Postgres.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	}
	if cfg.Postgres.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	}
	if err := repo.Migrate(gdb); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis; the guard degrades to the unique reference index when it is down
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Warnf("redis ping: %v", err)
	}

	// 5. metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 6. repo & services
	repository := repo.NewRepository(gdb, log)
	wallets := service.NewWalletService(repository, guard.NewRedisGuard(rdb, cfg.Redis.GuardTTL), m, log, service.WalletOptions{
		MaxAttempts:  cfg.Ledger.MaxAttempts,
		RetryBackoff: cfg.Ledger.RetryBackoff,
	})
	deliveries := service.NewDeliveryService(repository, wallets, m, log, service.DeliveryOptions{
		PayoutOnDelivery: cfg.Delivery.PayoutOnDelivery,
	})

	// 7. gin router
	router := httptransport.NewRouter(httptransport.Services{
		Deliveries: deliveries,
		Wallets:    wallets,
		Users:      repository,
	}, m, reg, cfg.RateLimit, log)

	// 8. serve until signalled
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: router}
	go func() {
		log.Infof("parcel-server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}
