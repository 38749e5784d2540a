package repository

import (
	"context"

	"storefront/internal/model"

	"gorm.io/gorm"
)

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Create(ctx context.Context, entry *model.AuditLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *AuditRepository) ListByFunction(ctx context.Context, functionName string, limit int) ([]*model.AuditLog, error) {
	var logs []*model.AuditLog
	err := r.db.WithContext(ctx).
		Where("function_name = ?", functionName).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
