package model

import "time"

type Role string

const (
	RoleSender   Role = "sender"
	RoleTraveler Role = "traveler"
	RoleAdmin    Role = "admin"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// User is the slice of the profile service's user record this service reads.
// Rows are owned and written by that service.
type User struct {
	ID            string        `gorm:"primaryKey;size:64" json:"id"`
	Role          Role          `gorm:"size:16;not null" json:"role"`
	AccountStatus AccountStatus `gorm:"size:16;not null" json:"account_status"`
	CreatedAt     time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

func (User) TableName() string { return "app_user" }
