package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TransactionTypePurchase = "purchase"
	TransactionTypeDeposit  = "deposit"
	TransactionTypeCashback = "cashback"
	TransactionTypeRefund   = "refund"
)

const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
)

// BalanceTransaction is the append-only balance log. Rows are never updated,
// except a pending row moving to completed or failed exactly once.
type BalanceTransaction struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	UserID        uuid.UUID       `gorm:"type:char(36);index;not null" json:"user_id"`
	OrderID       *uuid.UUID      `gorm:"type:char(36);index" json:"order_id,omitempty"`
	Amount        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"` // positive credit, negative debit
	Type          string          `gorm:"type:varchar(20);not null" json:"type"`
	PaymentMethod *string         `gorm:"type:varchar(20)" json:"payment_method,omitempty"`
	Status        string          `gorm:"type:varchar(20);index;not null" json:"status"`
	Description   string          `gorm:"type:varchar(256)" json:"description"`
	// BalanceAfter is set when the row reflects an applied mutation.
	BalanceAfter *decimal.Decimal `gorm:"type:decimal(12,2)" json:"balance_after,omitempty"`
	CreatedAt    time.Time        `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BalanceTransaction) TableName() string {
	return "balance_transaction"
}
