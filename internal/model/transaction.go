package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

func (t TxType) Valid() bool { return t == TxCredit || t == TxDebit }

// Column limits of the numeric types money and item weight are stored in.
const (
	MoneyPrecision  = 20
	MoneyScale      = 8
	WeightPrecision = 12
	WeightScale     = 3
)

// FitsNumeric reports whether d is stored by a numeric(precision, scale)
// column exactly, without rounding or overflow.
func FitsNumeric(d decimal.Decimal, precision, scale int32) bool {
	if !d.Equal(d.Truncate(scale)) {
		return false
	}
	return d.Abs().LessThan(decimal.New(1, precision-scale))
}

type TxStatus string

const (
	TxCompleted TxStatus = "completed"
	TxPending   TxStatus = "pending"
	TxFailed    TxStatus = "failed"
)

// Transaction is one immutable ledger entry. Reference is unique per user and
// doubles as the idempotency token.
type Transaction struct {
	ID            uint64          `gorm:"primaryKey" json:"id"`
	UserID        string          `gorm:"size:64;not null;uniqueIndex:idx_wallet_tx_user_ref,priority:1" json:"user_id"`
	Type          TxType          `gorm:"size:16;not null" json:"type"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"amount"`
	BalanceBefore decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"balance_after"`
	Description   string          `gorm:"size:255" json:"description"`
	Status        TxStatus        `gorm:"size:16;not null" json:"status"`
	Reference     string          `gorm:"size:128;not null;uniqueIndex:idx_wallet_tx_user_ref,priority:2" json:"reference"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (Transaction) TableName() string { return "wallet_transaction" }
