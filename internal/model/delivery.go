package model

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusAccepted  DeliveryStatus = "accepted"
	StatusPickedUp  DeliveryStatus = "picked_up"
	StatusInTransit DeliveryStatus = "in_transit"
	StatusDelivered DeliveryStatus = "delivered"
	StatusCancelled DeliveryStatus = "cancelled"
)

// transitions lists the moves an assigned traveler may make. pending is left
// only through accept or a sender cancel, delivered and cancelled are terminal.
var transitions = map[DeliveryStatus][]DeliveryStatus{
	StatusAccepted:  {StatusPickedUp, StatusCancelled},
	StatusPickedUp:  {StatusInTransit, StatusCancelled},
	StatusInTransit: {StatusDelivered, StatusCancelled},
}

func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusPickedUp, StatusInTransit, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransitionTo reports whether next is an allowed successor of s.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Urgency string

const (
	UrgencyNormal  Urgency = "normal"
	UrgencyUrgent  Urgency = "urgent"
	UrgencyExpress Urgency = "express"
)

// Delivery is a sender's posted parcel job. Item, address, sender, price and
// urgency fields never change after creation.
type Delivery struct {
	ID              string          `gorm:"primaryKey;size:36" json:"id"`
	ItemName        string          `gorm:"size:255;not null" json:"item_name"`
	ItemDescription string          `gorm:"type:text;not null" json:"item_description"`
	ItemWeight      decimal.Decimal `gorm:"type:numeric(12,3);not null" json:"item_weight"`
	PickupAddress   string          `gorm:"size:512;not null" json:"pickup_address"`
	DropAddress     string          `gorm:"size:512;not null" json:"drop_address"`
	SenderID        string          `gorm:"size:64;not null;index" json:"sender_id"`
	TravelerID      *string         `gorm:"size:64;index" json:"traveler_id"`
	Urgency         Urgency         `gorm:"size:16;not null" json:"urgency"`
	Price           decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"price"`
	Status          DeliveryStatus  `gorm:"size:16;not null;index" json:"status"`
	Version         uint64          `gorm:"not null;default:0" json:"-"`
	TrackingHistory []TrackingEntry `gorm:"foreignKey:DeliveryID" json:"tracking_history"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Delivery) TableName() string { return "delivery_request" }

// TrackingEntry is one append-only line of a delivery's history. Seq starts
// at 1 and is unique per delivery.
type TrackingEntry struct {
	ID          uint64         `gorm:"primaryKey" json:"-"`
	DeliveryID  string         `gorm:"size:36;not null;uniqueIndex:idx_tracking_delivery_seq,priority:1" json:"-"`
	Seq         int            `gorm:"not null;uniqueIndex:idx_tracking_delivery_seq,priority:2" json:"seq"`
	Status      DeliveryStatus `gorm:"size:16;not null" json:"status"`
	Location    string         `gorm:"size:512" json:"location"`
	Description string         `gorm:"size:512" json:"description"`
	Timestamp   time.Time      `gorm:"not null" json:"timestamp"`
}

func (TrackingEntry) TableName() string { return "delivery_tracking" }

// LastTracking returns the newest history entry, if any.
func (d *Delivery) LastTracking() (TrackingEntry, bool) {
	if len(d.TrackingHistory) == 0 {
		return TrackingEntry{}, false
	}
	return d.TrackingHistory[len(d.TrackingHistory)-1], true
}

// IsParty reports whether userID is the sender or the assigned traveler.
func (d *Delivery) IsParty(userID string) bool {
	if d.SenderID == userID {
		return true
	}
	return d.TravelerID != nil && *d.TravelerID == userID
}

// DeliveryParams enumerates every field a sender must supply.
type DeliveryParams struct {
	ItemName        string          `json:"item_name" validate:"required,max=255"`
	ItemDescription string          `json:"item_description" validate:"required"`
	ItemWeight      decimal.Decimal `json:"item_weight" validate:"positive,weight"`
	PickupAddress   string          `json:"pickup_address" validate:"required,max=512"`
	DropAddress     string          `json:"drop_address" validate:"required,max=512"`
	SenderID        string          `json:"-" validate:"required"`
	Urgency         Urgency         `json:"urgency" validate:"required,oneof=normal urgent express"`
	Price           decimal.Decimal `json:"price" validate:"positive,money"`
}

// FieldError names one rejected field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s failed %s", f.Field, f.Rule))
	}
	return strings.Join(parts, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	// decimals reach the rules below in their exact string form
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		d, ok := field.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}
		return d.String()
	}, decimal.Decimal{})
	mustRegister(v, "positive", func(d decimal.Decimal) bool { return d.IsPositive() })
	mustRegister(v, "money", func(d decimal.Decimal) bool { return FitsNumeric(d, MoneyPrecision, MoneyScale) })
	mustRegister(v, "weight", func(d decimal.Decimal) bool { return FitsNumeric(d, WeightPrecision, WeightScale) })
	return v
}

func mustRegister(v *validator.Validate, tag string, ok func(decimal.Decimal) bool) {
	err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && ok(d)
	})
	if err != nil {
		panic(err)
	}
}

// NewDelivery validates p and builds a pending delivery whose history holds
// the creation entry.
func NewDelivery(p DeliveryParams, now time.Time) (*Delivery, error) {
	p.ItemName = strings.TrimSpace(p.ItemName)
	p.ItemDescription = strings.TrimSpace(p.ItemDescription)
	p.PickupAddress = strings.TrimSpace(p.PickupAddress)
	p.DropAddress = strings.TrimSpace(p.DropAddress)
	p.SenderID = strings.TrimSpace(p.SenderID)
	p.Urgency = Urgency(strings.ToLower(strings.TrimSpace(string(p.Urgency))))

	if err := validate.Struct(p); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return nil, err
		}
		out := &ValidationError{}
		for _, fe := range verrs {
			out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
		}
		return nil, out
	}

	id := uuid.NewString()
	return &Delivery{
		ID:              id,
		ItemName:        p.ItemName,
		ItemDescription: p.ItemDescription,
		ItemWeight:      p.ItemWeight,
		PickupAddress:   p.PickupAddress,
		DropAddress:     p.DropAddress,
		SenderID:        p.SenderID,
		Urgency:         p.Urgency,
		Price:           p.Price,
		Status:          StatusPending,
		TrackingHistory: []TrackingEntry{{
			DeliveryID:  id,
			Seq:         1,
			Status:      StatusPending,
			Location:    p.PickupAddress,
			Description: "Delivery request created",
			Timestamp:   now,
		}},
	}, nil
}
