package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account holds a user's stored balance. One row per user, created lazily
// with a zero balance. Balance is only mutated through the ledger.
type Account struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uuid.UUID       `gorm:"type:char(36);uniqueIndex;not null" json:"user_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"balance"`
	// IsVeteran is maintained by the profile service and only read here.
	IsVeteran bool            `gorm:"not null;default:false" json:"is_veteran"`
	Version   int             `gorm:"not null;default:0" json:"version"` // bumped on every balance mutation
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
