package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is the balance projection of a user's ledger. Version increments on
// every committed mutation.
type Wallet struct {
	UserID    string          `gorm:"primaryKey;size:64" json:"user_id"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"balance"`
	Version   uint64          `gorm:"not null;default:0" json:"-"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string { return "wallet" }
