package repository

import (
	"context"

	"storefront/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ProductRepository struct {
	db *gorm.DB
}

func NewProductRepository(db *gorm.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) Create(ctx context.Context, product *model.Product) error {
	return r.db.WithContext(ctx).Create(product).Error
}

// Upsert inserts products, refreshing name, price and active flag of ids
// that already exist.
func (r *ProductRepository) Upsert(ctx context.Context, products []*model.Product) error {
	if len(products) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "price", "is_active", "updated_at"}),
	}).Create(&products).Error
}

// GetActiveByIDs returns the active catalog rows among ids, keyed by id.
// Missing or inactive products are simply absent from the map.
func (r *ProductRepository) GetActiveByIDs(ctx context.Context, ids []string) (map[string]*model.Product, error) {
	products := make(map[string]*model.Product, len(ids))
	if len(ids) == 0 {
		return products, nil
	}

	var rows []*model.Product
	err := r.db.WithContext(ctx).
		Where("id IN ? AND is_active = ?", ids, true).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, p := range rows {
		products[p.ID] = p
	}
	return products, nil
}
