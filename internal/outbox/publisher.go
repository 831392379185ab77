package outbox

import (
	"context"
	"time"

	"github.com/richardliu001/parcel-service/internal/model"
	"github.com/segmentio/kafka-go"
)

// Publisher delivers one outbox event to the message broker.
type Publisher interface {
	Publish(ctx context.Context, evt model.OutboxEvent) error
}

// KafkaPublisher sends to Kafka. Messages are keyed by aggregate id so one
// delivery's or one wallet's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher builds a writer for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt model.OutboxEvent) error {
	return p.writer.WriteMessages(ctx, message(evt))
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

func message(evt model.OutboxEvent) kafka.Message {
	return kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "aggregate", Value: []byte(evt.Aggregate)},
		},
		Time: time.Now(),
	}
}
