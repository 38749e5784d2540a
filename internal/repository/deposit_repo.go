package repository

import (
	"context"
	"errors"
	"time"

	"storefront/internal/model"

	"gorm.io/gorm"
)

var (
	ErrDepositNotFound = errors.New("deposit not found")
	ErrDepositSettled  = errors.New("deposit already settled")
)

type DepositRepository struct {
	db *gorm.DB
}

func NewDepositRepository(db *gorm.DB) *DepositRepository {
	return &DepositRepository{db: db}
}

func (r *DepositRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *DepositRepository) Create(ctx context.Context, tx *gorm.DB, deposit *model.Deposit) error {
	return r.conn(tx).WithContext(ctx).Create(deposit).Error
}

func (r *DepositRepository) GetByReference(ctx context.Context, tx *gorm.DB, reference string) (*model.Deposit, error) {
	var deposit model.Deposit
	err := r.conn(tx).WithContext(ctx).Where("reference = ?", reference).First(&deposit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDepositNotFound
		}
		return nil, err
	}
	return &deposit, nil
}

// AttachProviderPayment stores what the provider returned for the session.
func (r *DepositRepository) AttachProviderPayment(ctx context.Context, id int64, providerPaymentID, payAmount, payCurrency string) error {
	updates := map[string]interface{}{
		"provider_payment_id": providerPaymentID,
	}
	if payAmount != "" {
		updates["pay_amount"] = payAmount
	}
	if payCurrency != "" {
		updates["pay_currency"] = payCurrency
	}
	return r.db.WithContext(ctx).
		Model(&model.Deposit{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// Complete consumes a pending deposit exactly once. A second caller, such
// as a replayed callback, gets ErrDepositSettled and must not touch the ledger.
func (r *DepositRepository) Complete(ctx context.Context, tx *gorm.DB, id int64) error {
	return r.transition(ctx, tx, id, model.DepositStatusPending, "", map[string]interface{}{
		"status": model.DepositStatusCompleted,
	})
}

// Fail consumes a pending deposit, recording whether the provider or the
// expiry sweep failed it.
func (r *DepositRepository) Fail(ctx context.Context, tx *gorm.DB, id int64, source string) error {
	return r.transition(ctx, tx, id, model.DepositStatusPending, "", map[string]interface{}{
		"status":         model.DepositStatusFailed,
		"failure_source": source,
	})
}

// CompleteExpired moves a deposit failed by the expiry sweep to completed,
// once. Deposits the provider failed are never revived.
func (r *DepositRepository) CompleteExpired(ctx context.Context, tx *gorm.DB, id int64) error {
	return r.transition(ctx, tx, id, model.DepositStatusFailed, model.DepositFailureExpiry, map[string]interface{}{
		"status": model.DepositStatusCompleted,
	})
}

func (r *DepositRepository) transition(ctx context.Context, tx *gorm.DB, id int64, fromStatus, fromSource string, updates map[string]interface{}) error {
	now := time.Now()
	updates["settled_at"] = &now

	query := r.conn(tx).WithContext(ctx).
		Model(&model.Deposit{}).
		Where("id = ? AND status = ?", id, fromStatus)
	if fromSource != "" {
		query = query.Where("failure_source = ?", fromSource)
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDepositSettled
	}
	return nil
}

func (r *DepositRepository) GetStalePending(ctx context.Context, before time.Time, limit int) ([]*model.Deposit, error) {
	var deposits []*model.Deposit
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.DepositStatusPending, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&deposits).Error
	return deposits, err
}
