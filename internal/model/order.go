package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusFailed    = "failed"
	OrderStatusRefunded  = "refunded"
)

const (
	PaymentMethodBalance = "balance"
	PaymentMethodCard    = "card"
	PaymentMethodUSDT    = "usdt"
)

// ValidStatusTransitions lists every allowed payment status change.
// completed -> refunded is administrative and never produced by checkout.
var ValidStatusTransitions = map[string][]string{
	OrderStatusPending:   {OrderStatusCompleted, OrderStatusFailed},
	OrderStatusCompleted: {OrderStatusRefunded},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// IsExternalMethod reports whether the method settles through a payment gateway.
func IsExternalMethod(method string) bool {
	return method == PaymentMethodCard || method == PaymentMethodUSDT
}

// Order is one checkout attempt. All amounts are computed server side.
type Order struct {
	ID             uuid.UUID       `gorm:"type:char(36);primaryKey" json:"id"`
	OrderNo        string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	UserID         uuid.UUID       `gorm:"type:char(36);index;not null" json:"user_id"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total_amount"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"discount_amount"`
	FinalAmount    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"final_amount"`
	PaymentMethod  string          `gorm:"type:varchar(20);not null" json:"payment_method"`
	PaymentStatus  string          `gorm:"type:varchar(20);index;not null" json:"payment_status"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	Items          []OrderItem     `gorm:"foreignKey:OrderID" json:"items,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// OrderItem freezes the product name and price at purchase time.
type OrderItem struct {
	ID           uuid.UUID       `gorm:"type:char(36);primaryKey" json:"id"`
	OrderID      uuid.UUID       `gorm:"type:char(36);index;not null" json:"order_id"`
	ProductID    string          `gorm:"type:varchar(64);not null" json:"product_id"`
	ProductName  string          `gorm:"type:varchar(255);not null" json:"product_name"`
	ProductPrice decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"product_price"`
	Quantity     int             `gorm:"not null" json:"quantity"`
}

func (OrderItem) TableName() string {
	return "order_items"
}
