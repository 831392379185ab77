package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/richardliu001/parcel-service/internal/metrics"
	"github.com/richardliu001/parcel-service/internal/model"
	"github.com/richardliu001/parcel-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// statusAttempts bounds how often UpdateStatus re-evaluates a delivery that
// changed between its read and its conditional write.
const statusAttempts = 3

var errStaleDelivery = errors.New("delivery changed since it was read")

// Actor is the caller as resolved from the user directory.
type Actor struct {
	ID   string
	Role model.Role
}

type DeliveryPage struct {
	Items    []model.Delivery `json:"items"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

type DeliveryOptions struct {
	// PayoutOnDelivery credits the traveler the delivery price in the same
	// unit as the in_transit -> delivered transition.
	PayoutOnDelivery bool
}

// DeliveryService owns the delivery state machine. Every command loads,
// validates and persists inside one transaction.
type DeliveryService struct {
	repo    repo.DeliveryStore
	ledger  *WalletService
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	opts    DeliveryOptions
	now     func() time.Time
}

// NewDeliveryService returns DeliveryService. ledger is only used for payouts.
func NewDeliveryService(r repo.DeliveryStore, ledger *WalletService, m *metrics.Metrics, logger *zap.SugaredLogger, opts DeliveryOptions) *DeliveryService {
	return &DeliveryService{
		repo:    r,
		ledger:  ledger,
		metrics: m,
		log:     logger,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create posts a new pending delivery for a sender.
func (s *DeliveryService) Create(ctx context.Context, actor Actor, p model.DeliveryParams) (*model.Delivery, error) {
	if actor.Role != model.RoleSender {
		return nil, fmt.Errorf("%w: only senders can create deliveries", ErrForbidden)
	}
	p.SenderID = actor.ID
	d, err := model.NewDelivery(p, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertDelivery(ctx, tx, d); err != nil {
			return err
		}
		first, _ := d.LastTracking()
		return s.emit(ctx, tx, d, EventDeliveryCreated, first)
	})
	if err != nil {
		return nil, operationFailed(err)
	}
	s.metrics.Transition(string(model.StatusPending))
	s.log.Infow("delivery created", "delivery_id", d.ID, "sender_id", d.SenderID)
	return d, nil
}

// ListAvailable returns every pending delivery on the route.
func (s *DeliveryService) ListAvailable(ctx context.Context, route repo.RouteFilter) ([]model.Delivery, error) {
	out, err := s.repo.ListAvailable(ctx, route)
	if err != nil {
		return nil, operationFailed(err)
	}
	if out == nil {
		out = []model.Delivery{}
	}
	return out, nil
}

// Accept claims a pending delivery for the calling traveler. At most one
// traveler can succeed: the write only applies while the delivery is still
// unclaimed, and losers get ErrAlreadyClaimed or ErrInvalidState.
func (s *DeliveryService) Accept(ctx context.Context, actor Actor, id string) (*model.Delivery, error) {
	if actor.Role != model.RoleTraveler {
		s.metrics.AcceptOutcome("forbidden")
		return nil, fmt.Errorf("%w: only travelers can accept deliveries", ErrForbidden)
	}

	var out *model.Delivery
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := claimable(d); err != nil {
			return err
		}
		ok, err := s.repo.ClaimDelivery(ctx, tx, id, actor.ID)
		if err != nil {
			return err
		}
		if !ok {
			// someone committed between our read and the conditional write
			cur, err := s.load(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := claimable(cur); err != nil {
				return err
			}
			return fmt.Errorf("%w: delivery %s", ErrAlreadyClaimed, id)
		}

		entry := &model.TrackingEntry{
			DeliveryID:  id,
			Status:      model.StatusAccepted,
			Location:    d.PickupAddress,
			Description: "Delivery accepted by traveler",
			Timestamp:   s.now(),
		}
		if err := s.repo.AppendTracking(ctx, tx, entry); err != nil {
			return err
		}
		if out, err = s.load(ctx, tx, id); err != nil {
			return err
		}
		return s.emit(ctx, tx, out, EventDeliveryAccepted, *entry)
	})
	s.metrics.AcceptOutcome(acceptOutcome(err))
	if err != nil {
		return nil, operationFailed(err)
	}
	s.metrics.Transition(string(model.StatusAccepted))
	s.log.Infow("delivery accepted", "delivery_id", id, "traveler_id", actor.ID)
	return out, nil
}

// UpdateStatus moves an accepted delivery along the transition table on
// behalf of its assigned traveler and appends the tracking entry.
func (s *DeliveryService) UpdateStatus(ctx context.Context, actor Actor, id string, next model.DeliveryStatus, location, description string) (*model.Delivery, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, next)
	}
	location = strings.TrimSpace(location)
	description = strings.TrimSpace(description)
	if description == "" {
		description = fmt.Sprintf("Status updated to %s", next)
	}

	for attempt := 1; attempt <= statusAttempts; attempt++ {
		var out *model.Delivery
		var from model.DeliveryStatus
		err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			d, err := s.load(ctx, tx, id)
			if err != nil {
				return err
			}
			if d.TravelerID == nil || *d.TravelerID != actor.ID {
				return fmt.Errorf("%w: only the assigned traveler can update delivery %s", ErrForbidden, id)
			}
			if !d.Status.CanTransitionTo(next) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, next)
			}
			from = d.Status
			ok, err := s.repo.UpdateDeliveryStatus(ctx, tx, d, next)
			if err != nil {
				return err
			}
			if !ok {
				return errStaleDelivery
			}

			entry := &model.TrackingEntry{
				DeliveryID:  id,
				Status:      next,
				Location:    location,
				Description: description,
				Timestamp:   s.now(),
			}
			if err := s.repo.AppendTracking(ctx, tx, entry); err != nil {
				return err
			}
			if next == model.StatusDelivered && s.opts.PayoutOnDelivery && s.ledger != nil {
				if _, err := s.ledger.ApplyTx(ctx, tx, LedgerOp{
					UserID:      actor.ID,
					Type:        model.TxCredit,
					Amount:      d.Price,
					Description: fmt.Sprintf("Payout for delivery %s", id),
					Reference:   "delivery-payout:" + id,
				}); err != nil {
					return err
				}
			}
			if out, err = s.load(ctx, tx, id); err != nil {
				return err
			}
			return s.emit(ctx, tx, out, EventDeliveryStatusChanged, *entry)
		})
		if errors.Is(err, errStaleDelivery) {
			s.log.Debugw("delivery changed concurrently, re-evaluating", "delivery_id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, operationFailed(err)
		}
		s.metrics.Transition(string(next))
		s.log.Infow("delivery status updated", "delivery_id", id, "from", from, "to", next, "traveler_id", actor.ID)
		return out, nil
	}
	return nil, fmt.Errorf("%w: delivery %s kept changing, retry", ErrInvalidState, id)
}

// Cancel withdraws a delivery nobody has accepted yet. Only its sender may.
func (s *DeliveryService) Cancel(ctx context.Context, actor Actor, id string) (*model.Delivery, error) {
	var out *model.Delivery
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.SenderID != actor.ID {
			return fmt.Errorf("%w: only the sender can cancel delivery %s", ErrForbidden, id)
		}
		if err := claimable(d); err != nil {
			return err
		}
		ok, err := s.repo.CancelPending(ctx, tx, id, actor.ID)
		if err != nil {
			return err
		}
		if !ok {
			cur, err := s.load(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := claimable(cur); err != nil {
				return err
			}
			return fmt.Errorf("%w: delivery %s", ErrAlreadyClaimed, id)
		}

		entry := &model.TrackingEntry{
			DeliveryID:  id,
			Status:      model.StatusCancelled,
			Location:    d.PickupAddress,
			Description: "Delivery request cancelled by sender",
			Timestamp:   s.now(),
		}
		if err := s.repo.AppendTracking(ctx, tx, entry); err != nil {
			return err
		}
		if out, err = s.load(ctx, tx, id); err != nil {
			return err
		}
		return s.emit(ctx, tx, out, EventDeliveryCancelled, *entry)
	})
	if err != nil {
		return nil, operationFailed(err)
	}
	s.metrics.Transition(string(model.StatusCancelled))
	s.log.Infow("delivery cancelled by sender", "delivery_id", id, "sender_id", actor.ID)
	return out, nil
}

// Get returns a delivery to its sender, its traveler or an admin.
func (s *DeliveryService) Get(ctx context.Context, actor Actor, id string) (*model.Delivery, error) {
	d, err := s.load(ctx, s.repo.DB(ctx), id)
	if err != nil {
		return nil, operationFailed(err)
	}
	if actor.Role != model.RoleAdmin && !d.IsParty(actor.ID) {
		return nil, fmt.Errorf("%w: delivery %s", ErrForbidden, id)
	}
	return d, nil
}

// ListMine pages the deliveries the actor sent (senders) or carries
// (travelers). Admins see every delivery.
func (s *DeliveryService) ListMine(ctx context.Context, actor Actor, status model.DeliveryStatus, page, pageSize int) (*DeliveryPage, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	page, pageSize, offset := normalizePage(page, pageSize)
	f := repo.DeliveryFilter{Status: status, Offset: offset, Limit: pageSize}
	switch actor.Role {
	case model.RoleSender:
		f.SenderID = actor.ID
	case model.RoleTraveler:
		f.TravelerID = actor.ID
	case model.RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: role %q cannot list deliveries", ErrForbidden, actor.Role)
	}
	items, total, err := s.repo.ListDeliveries(ctx, f)
	if err != nil {
		return nil, operationFailed(err)
	}
	if items == nil {
		items = []model.Delivery{}
	}
	return &DeliveryPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *DeliveryService) load(ctx context.Context, tx *gorm.DB, id string) (*model.Delivery, error) {
	d, err := s.repo.GetDelivery(ctx, tx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: delivery %s", ErrNotFound, id)
	}
	return d, err
}

func (s *DeliveryService) emit(ctx context.Context, tx *gorm.DB, d *model.Delivery, eventType string, entry model.TrackingEntry) error {
	evt, err := newOutboxEvent(model.AggregateDelivery, d.ID, eventType, map[string]interface{}{
		"delivery_id": d.ID,
		"sender_id":   d.SenderID,
		"traveler_id": d.TravelerID,
		"status":      d.Status,
		"price":       d.Price,
		"location":    entry.Location,
		"description": entry.Description,
		"at":          entry.Timestamp,
	})
	if err != nil {
		return err
	}
	return s.repo.CreateOutboxEvent(ctx, tx, evt)
}

// claimable reports why d can no longer be claimed or cancelled by its sender.
func claimable(d *model.Delivery) error {
	if d.TravelerID != nil {
		return fmt.Errorf("%w: delivery %s", ErrAlreadyClaimed, d.ID)
	}
	if d.Status != model.StatusPending {
		return fmt.Errorf("%w: delivery %s is %s", ErrInvalidState, d.ID, d.Status)
	}
	return nil
}

func acceptOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "failed"
	}
}
