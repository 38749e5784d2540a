package repository

import (
	"context"
	"errors"

	"storefront/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound      = errors.New("balance transaction not found")
	ErrTransactionStatusInvalid = errors.New("balance transaction is not pending")
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.BalanceTransaction) error {
	return r.conn(tx).WithContext(ctx).Create(trans).Error
}

func (r *TransactionRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.BalanceTransaction, error) {
	var trans model.BalanceTransaction
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// Complete moves a pending row to completed and stamps the resulting balance.
func (r *TransactionRepository) Complete(ctx context.Context, tx *gorm.DB, id int64, balanceAfter decimal.Decimal) error {
	return r.transition(ctx, tx, id, map[string]interface{}{
		"status":        model.TransactionStatusCompleted,
		"balance_after": balanceAfter,
	})
}

func (r *TransactionRepository) Fail(ctx context.Context, tx *gorm.DB, id int64) error {
	return r.transition(ctx, tx, id, map[string]interface{}{
		"status": model.TransactionStatusFailed,
	})
}

// transition only ever leaves pending; terminal rows are immutable.
func (r *TransactionRepository) transition(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.BalanceTransaction{}).
		Where("id = ? AND status = ?", id, model.TransactionStatusPending).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionStatusInvalid
	}
	return nil
}

// GetCompletedPurchaseByOrderID returns nil, nil when the order was never debited.
func (r *TransactionRepository) GetCompletedPurchaseByOrderID(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*model.BalanceTransaction, error) {
	var trans model.BalanceTransaction
	err := r.conn(tx).WithContext(ctx).
		Where("order_id = ? AND type = ? AND status = ?", orderID, model.TransactionTypePurchase, model.TransactionStatusCompleted).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*model.BalanceTransaction, int64, error) {
	var transactions []*model.BalanceTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.BalanceTransaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}
