package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the authoritative catalog record used for pricing.
type Product struct {
	ID        string          `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name      string          `gorm:"type:varchar(255);not null" json:"name"`
	Price     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	IsActive  bool            `gorm:"not null" json:"is_active"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Product) TableName() string {
	return "products"
}
