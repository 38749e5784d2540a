package service

import (
	"context"
	"fmt"
	"strings"

	"storefront/internal/config"
	"storefront/internal/model"
	"storefront/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SeedCatalog upserts the configured products. Every seed is checked before
// anything is written.
func SeedCatalog(ctx context.Context, db *gorm.DB, seeds []config.ProductSeed, logger *zap.Logger) (int, error) {
	products := make([]*model.Product, 0, len(seeds))
	for i, seed := range seeds {
		id := strings.TrimSpace(seed.ID)
		if id == "" || len(id) > 64 {
			return 0, fmt.Errorf("catalog product %d: invalid id %q", i, seed.ID)
		}
		price, err := decimal.NewFromString(seed.Price)
		if err != nil || !price.IsPositive() || !price.Equal(price.Round(2)) {
			return 0, fmt.Errorf("catalog product %s: invalid price %q", id, seed.Price)
		}
		active := true
		if seed.Active != nil {
			active = *seed.Active
		}
		products = append(products, &model.Product{
			ID:       id,
			Name:     seed.Name,
			Price:    price,
			IsActive: active,
		})
	}

	if err := repository.NewProductRepository(db).Upsert(ctx, products); err != nil {
		return 0, fmt.Errorf("upsert catalog: %w", err)
	}
	logger.Info("catalog seeded", zap.Int("products", len(products)))
	return len(products), nil
}
