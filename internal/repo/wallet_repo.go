package repo

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/parcel-service/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerStore restricts Repo methods used by the wallet ledger.
type LedgerStore interface {
	OutboxStore
	DB(ctx context.Context) *gorm.DB
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error)
	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	UpdateWallet(ctx context.Context, tx *gorm.DB, userID string, newBalance decimal.Decimal, oldVersion uint64) error
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	TxExists(ctx context.Context, tx *gorm.DB, userID, reference string) (bool, *model.Transaction, error)
	ListTransactions(ctx context.Context, userID string, txType model.TxType, offset, limit int) ([]model.Transaction, int64, error)
	LedgerSum(ctx context.Context, tx *gorm.DB, userID string) (decimal.Decimal, error)
}

// GetWallet reads the wallet row without locking.
func (r *Repository) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletForUpdate locks wallet row.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWallet inserts an empty wallet.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Create(w).Error
}

// UpdateWallet with optimistic lock.
func (r *Repository) UpdateWallet(ctx context.Context, tx *gorm.DB, userID string, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ? AND version = ?", userID, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// TxExists checks duplicate by reference.
func (r *Repository) TxExists(ctx context.Context, tx *gorm.DB, userID, reference string) (bool, *model.Transaction, error) {
	if reference == "" {
		return false, nil, nil
	}
	var t model.Transaction
	err := tx.WithContext(ctx).Where("user_id = ? AND reference = ?", userID, reference).First(&t).Error
	if err == nil {
		return true, &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	return false, nil, err
}

// ListTransactions returns one page, newest first, plus the unpaged total.
// An empty txType matches both credits and debits.
func (r *Repository) ListTransactions(ctx context.Context, userID string, txType model.TxType, offset, limit int) ([]model.Transaction, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("user_id = ?", userID)
	if txType != "" {
		q = q.Where("type = ?", txType)
	}
	q = q.Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var txs []model.Transaction
	err := q.Order("created_at DESC").Order("id DESC").Offset(offset).Limit(limit).Find(&txs).Error
	return txs, total, err
}

// LedgerSum folds the completed log into a balance.
func (r *Repository) LedgerSum(ctx context.Context, tx *gorm.DB, userID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := tx.WithContext(ctx).Model(&model.Transaction{}).
		Select("COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE -amount END), 0)", model.TxCredit).
		Where("user_id = ? AND status = ?", userID, model.TxCompleted).
		Row().Scan(&sum)
	return sum, err
}
