package service

import (
	"encoding/json"

	"github.com/richardliu001/parcel-service/internal/model"
)

const (
	EventDeliveryCreated       = "DeliveryCreated"
	EventDeliveryAccepted      = "DeliveryAccepted"
	EventDeliveryStatusChanged = "DeliveryStatusChanged"
	EventDeliveryCancelled     = "DeliveryCancelled"
	EventWalletCredited        = "WalletCredited"
	EventWalletDebited         = "WalletDebited"
)

func newOutboxEvent(aggregate, aggregateID, eventType string, payload interface{}) (*model.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &model.OutboxEvent{
		Aggregate:   aggregate,
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     string(body),
	}, nil
}
