// Package outbox moves committed events from the event_outbox table to Kafka.
package outbox

import (
	"context"
	"time"

	"github.com/richardliu001/parcel-service/internal/metrics"
	"github.com/richardliu001/parcel-service/internal/repo"
	"go.uber.org/zap"
)

// Relay polls unprocessed events and publishes them in id order. An event is
// marked processed only after the broker acknowledged it, so delivery is at
// least once.
type Relay struct {
	store     repo.OutboxStore
	pub       Publisher
	metrics   *metrics.Metrics
	log       *zap.SugaredLogger
	batchSize int
}

func NewRelay(store repo.OutboxStore, pub Publisher, m *metrics.Metrics, logger *zap.SugaredLogger, batchSize int) *Relay {
	if batchSize < 1 {
		batchSize = 100
	}
	return &Relay{store: store, pub: pub, metrics: m, log: logger, batchSize: batchSize}
}

// RunOnce publishes one batch and returns how many events were sent. It stops
// at the first publish failure to keep per-aggregate order.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.PollOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if err := r.pub.Publish(ctx, evt); err != nil {
			r.metrics.OutboxFailed()
			r.log.Errorf("publish id=%d: %v", evt.ID, err)
			return sent, err
		}
		if err := r.store.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			r.log.Errorf("mark processed id=%d: %v", evt.ID, err)
			return sent, err
		}
		r.metrics.OutboxPublished()
		r.log.Debugf("event %d sent", evt.ID)
		sent++
	}
	return sent, nil
}

// Run calls RunOnce every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warnw("outbox batch incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
