package repository

import (
	"context"
	"errors"

	"storefront/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrBalanceNotEnough = errors.New("insufficient balance")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *AccountRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID uuid.UUID) (*model.Account, error) {
	var account model.Account
	err := r.conn(tx).WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Ensure creates the zero-balance account row if it does not exist yet.
func (r *AccountRepository) Ensure(ctx context.Context, tx *gorm.DB, userID uuid.UUID) error {
	account := &model.Account{
		UserID:  userID,
		Balance: decimal.Zero,
	}
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(account).Error
}

func (r *AccountRepository) GetOrCreate(ctx context.Context, userID uuid.UUID) (*model.Account, error) {
	account, err := r.GetByUserID(ctx, nil, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	if err := r.Ensure(ctx, nil, userID); err != nil {
		return nil, err
	}
	return r.GetByUserID(ctx, nil, userID)
}

// Deduct decrements the balance in a single conditional UPDATE. The
// "balance >= amount" predicate and the write are one statement, so two
// concurrent debits can never both pass against funds sufficient for one.
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBalanceNotEnough
	}
	return nil
}

func (r *AccountRepository) Increase(ctx context.Context, tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
