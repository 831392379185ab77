package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/parcel-service/internal/config"
	"github.com/richardliu001/parcel-service/internal/logger"
	"github.com/richardliu001/parcel-service/internal/outbox"
	"github.com/richardliu001/parcel-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatalf("postgres pool: %v", err)
	}
	defer sqlDB.Close()

	pub := outbox.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer pub.Close()

	// the relay process serves no metrics endpoint
	relay := outbox.NewRelay(repo.NewRepository(gdb, log), pub, nil, log, cfg.Outbox.BatchSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("parcel-poller started", "topic", cfg.Kafka.Topic, "interval", cfg.Outbox.Interval)
	relay.Run(ctx, cfg.Outbox.Interval)
	log.Info("parcel-poller stopped")
}
