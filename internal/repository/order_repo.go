package repository

import (
	"context"
	"errors"
	"time"

	"storefront/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderStatusInvalid = errors.New("order status transition not allowed")
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// CreateWithItems writes the order row and its items as one batch. Callers
// run it inside a transaction so a failed item insert leaves no order behind.
func (r *OrderRepository) CreateWithItems(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	db := r.conn(tx).WithContext(ctx)

	if err := db.Omit(clause.Associations).Create(order).Error; err != nil {
		return err
	}
	if len(order.Items) == 0 {
		return nil
	}

	for i := range order.Items {
		order.Items[i].OrderID = order.ID
		if order.Items[i].ID == uuid.Nil {
			order.Items[i].ID = uuid.New()
		}
	}
	return db.CreateInBatches(order.Items, 100).Error
}

func (r *OrderRepository) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*model.Order, error) {
	var order model.Order
	err := r.conn(tx).WithContext(ctx).
		Preload("Items").
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// UpdateStatus is a compare-and-set on payment_status.
func (r *OrderRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, fromStatus, toStatus string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrOrderStatusInvalid
	}

	updates := map[string]interface{}{
		"payment_status": toStatus,
	}

	if toStatus == model.OrderStatusCompleted {
		now := time.Now()
		updates["paid_at"] = &now
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND payment_status = ?", id, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}
	return nil
}

// GetStalePending returns pending orders paid with method that have not
// moved since before.
func (r *OrderRepository) GetStalePending(ctx context.Context, method string, before time.Time, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("payment_status = ? AND payment_method = ? AND updated_at < ?", model.OrderStatusPending, method, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *OrderRepository) ListByUserID(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*model.Order, int64, error) {
	var orders []*model.Order
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Order{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Preload("Items").
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error

	return orders, total, err
}
