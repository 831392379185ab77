package repo

import (
	"context"
	"strings"
	"time"

	"github.com/richardliu001/parcel-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeliveryStore restricts Repo methods used by the lifecycle engine.
type DeliveryStore interface {
	OutboxStore
	DB(ctx context.Context) *gorm.DB
	InsertDelivery(ctx context.Context, tx *gorm.DB, d *model.Delivery) error
	GetDelivery(ctx context.Context, tx *gorm.DB, id string) (*model.Delivery, error)
	ClaimDelivery(ctx context.Context, tx *gorm.DB, id, travelerID string) (bool, error)
	CancelPending(ctx context.Context, tx *gorm.DB, id, senderID string) (bool, error)
	UpdateDeliveryStatus(ctx context.Context, tx *gorm.DB, cur *model.Delivery, next model.DeliveryStatus) (bool, error)
	AppendTracking(ctx context.Context, tx *gorm.DB, e *model.TrackingEntry) error
	ListAvailable(ctx context.Context, route RouteFilter) ([]model.Delivery, error)
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.Delivery, int64, error)
}

// RouteFilter narrows available deliveries by case-insensitive substring match
// of pickup (From) and drop (To) addresses. Empty fields match everything.
type RouteFilter struct {
	From string
	To   string
}

// DeliveryFilter selects deliveries for a participant listing.
type DeliveryFilter struct {
	SenderID   string
	TravelerID string
	Status     model.DeliveryStatus
	Offset     int
	Limit      int
}

func withHistory(db *gorm.DB) *gorm.DB {
	return db.Preload("TrackingHistory", func(db *gorm.DB) *gorm.DB {
		return db.Order("seq ASC")
	})
}

// InsertDelivery writes the record and its initial history in tx.
func (r *Repository) InsertDelivery(ctx context.Context, tx *gorm.DB, d *model.Delivery) error {
	if err := tx.WithContext(ctx).Omit(clause.Associations).Create(d).Error; err != nil {
		return err
	}
	if len(d.TrackingHistory) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&d.TrackingHistory).Error
}

// GetDelivery loads a delivery with its ordered history.
func (r *Repository) GetDelivery(ctx context.Context, tx *gorm.DB, id string) (*model.Delivery, error) {
	var d model.Delivery
	if err := withHistory(tx.WithContext(ctx)).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// ClaimDelivery assigns travelerID only while the delivery is still unclaimed
// and pending. It reports false when the precondition no longer holds.
func (r *Repository) ClaimDelivery(ctx context.Context, tx *gorm.DB, id, travelerID string) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&model.Delivery{}).
		Where("id = ? AND traveler_id IS NULL AND status = ?", id, model.StatusPending).
		Updates(map[string]interface{}{
			"traveler_id": travelerID,
			"status":      model.StatusAccepted,
			"version":     gorm.Expr("version + 1"),
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CancelPending cancels an unclaimed delivery on behalf of its sender.
func (r *Repository) CancelPending(ctx context.Context, tx *gorm.DB, id, senderID string) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&model.Delivery{}).
		Where("id = ? AND sender_id = ? AND traveler_id IS NULL AND status = ?", id, senderID, model.StatusPending).
		Updates(map[string]interface{}{
			"status":     model.StatusCancelled,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateDeliveryStatus moves cur to next if nobody changed it since cur was read.
func (r *Repository) UpdateDeliveryStatus(ctx context.Context, tx *gorm.DB, cur *model.Delivery, next model.DeliveryStatus) (bool, error) {
	if cur.TravelerID == nil {
		return false, nil
	}
	res := tx.WithContext(ctx).
		Model(&model.Delivery{}).
		Where("id = ? AND status = ? AND version = ? AND traveler_id = ?", cur.ID, cur.Status, cur.Version, *cur.TravelerID).
		Updates(map[string]interface{}{
			"status":     next,
			"version":    cur.Version + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AppendTracking adds e after the delivery's current last entry.
func (r *Repository) AppendTracking(ctx context.Context, tx *gorm.DB, e *model.TrackingEntry) error {
	var last int
	if err := tx.WithContext(ctx).Model(&model.TrackingEntry{}).
		Where("delivery_id = ?", e.DeliveryID).
		Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
		return err
	}
	e.Seq = last + 1
	return tx.WithContext(ctx).Create(e).Error
}

// ListAvailable returns pending deliveries matching the route, newest first.
func (r *Repository) ListAvailable(ctx context.Context, route RouteFilter) ([]model.Delivery, error) {
	q := withHistory(r.db.WithContext(ctx)).Where("status = ?", model.StatusPending)
	if from := strings.TrimSpace(route.From); from != "" {
		q = q.Where(`LOWER(pickup_address) LIKE ? ESCAPE '\'`, likePattern(from))
	}
	if to := strings.TrimSpace(route.To); to != "" {
		q = q.Where(`LOWER(drop_address) LIKE ? ESCAPE '\'`, likePattern(to))
	}
	var out []model.Delivery
	err := q.Order("created_at DESC").Find(&out).Error
	return out, err
}

// ListDeliveries returns one page of deliveries matching f, newest first.
func (r *Repository) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.Delivery, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Delivery{})
	if f.SenderID != "" {
		q = q.Where("sender_id = ?", f.SenderID)
	}
	if f.TravelerID != "" {
		q = q.Where("traveler_id = ?", f.TravelerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	q = q.Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []model.Delivery
	err := withHistory(q).Order("created_at DESC").Offset(f.Offset).Limit(f.Limit).Find(&out).Error
	return out, total, err
}

// likePattern lower-cases s and escapes LIKE wildcards.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(s)) + "%"
}
