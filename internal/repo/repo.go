package repo

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/parcel-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrVersionConflict is returned when an optimistic update matched no row.
var ErrVersionConflict = errors.New("optimistic lock conflict")

// OutboxStore is the transactional outbox used by both services and the relay.
type OutboxStore interface {
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
}

// UserDirectory reads identities owned by the profile service.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Repository implements every store interface over one gorm handle.
type Repository struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, log: logger}
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.Wallet{},
		&model.Transaction{},
		&model.Delivery{},
		&model.TrackingEntry{},
		&model.OutboxEvent{},
	)
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetUser loads a directory entry.
func (r *Repository) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}
