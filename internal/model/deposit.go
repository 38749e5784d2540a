package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DepositStatusPending   = "pending"
	DepositStatusCompleted = "completed"
	DepositStatusFailed    = "failed"
)

// Why a deposit failed. Only an expired deposit may still be paid late.
const (
	DepositFailureProvider = "provider"
	DepositFailureExpiry   = "expiry"
)

// Deposit tracks one externally initiated payment session. Reference is the
// deposit reference handed to the provider; the row is consumed exactly once
// when it leaves pending. OrderID is set when the session pays an order
// directly instead of topping up the balance.
type Deposit struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Reference         string          `gorm:"type:varchar(100);uniqueIndex;not null" json:"reference"`
	ProviderPaymentID *string         `gorm:"type:varchar(100);uniqueIndex" json:"provider_payment_id,omitempty"`
	UserID            uuid.UUID       `gorm:"type:char(36);index;not null" json:"user_id"`
	OrderID           *uuid.UUID      `gorm:"type:char(36);index" json:"order_id,omitempty"`
	Provider          string          `gorm:"type:varchar(20);not null" json:"provider"` // card | usdt
	Amount            decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	PayAmount         *string         `gorm:"type:varchar(64)" json:"pay_amount,omitempty"`
	PayCurrency       *string         `gorm:"type:varchar(20)" json:"pay_currency,omitempty"`
	Status            string          `gorm:"type:varchar(20);index;not null" json:"status"`
	FailureSource     *string         `gorm:"type:varchar(20)" json:"failure_source,omitempty"`
	TransactionID     int64           `gorm:"not null" json:"transaction_id"` // pending balance_transaction row
	SettledAt         *time.Time      `json:"settled_at,omitempty"`
	CreatedAt         time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Deposit) TableName() string {
	return "deposits"
}
