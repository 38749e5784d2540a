package service

import (
	"context"
	"errors"
	"fmt"

	"storefront/internal/model"
	"storefront/internal/repository"
	"storefront/pkg/idgen"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LedgerEntry describes one balance movement. Amount is always positive;
// the sign of the logged row follows the direction.
type LedgerEntry struct {
	UserID        uuid.UUID
	OrderID       *uuid.UUID
	Amount        decimal.Decimal
	Type          string
	PaymentMethod string
	Description   string
}

// Ledger is the only writer of account balances. Each mutation and its
// balance_transaction row share one database transaction.
type Ledger struct {
	db              *gorm.DB
	logger          *zap.Logger
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
}

func NewLedger(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{
		db:              db,
		logger:          logger,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
	}
}

// within runs fn in tx, or in a new transaction when tx is nil.
func (l *Ledger) within(ctx context.Context, tx *gorm.DB, fn func(tx *gorm.DB) error) error {
	if tx != nil {
		return fn(tx)
	}
	return l.db.WithContext(ctx).Transaction(fn)
}

// Debit atomically takes Amount from the balance. It returns false, and
// writes nothing, when the balance does not cover the amount.
func (l *Ledger) Debit(ctx context.Context, tx *gorm.DB, e LedgerEntry) (bool, *model.BalanceTransaction, error) {
	var trans *model.BalanceTransaction
	var enough = true

	err := l.within(ctx, tx, func(tx *gorm.DB) error {
		if err := l.accountRepo.Ensure(ctx, tx, e.UserID); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		if err := l.accountRepo.Deduct(ctx, tx, e.UserID, e.Amount); err != nil {
			if errors.Is(err, repository.ErrBalanceNotEnough) {
				enough = false
				return nil
			}
			return fmt.Errorf("deduct balance: %w", err)
		}

		var err error
		trans, err = l.appendCompleted(ctx, tx, e, e.Amount.Neg())
		return err
	})
	if err != nil {
		return false, nil, err
	}
	return enough, trans, nil
}

// Credit adds Amount to the balance unconditionally.
func (l *Ledger) Credit(ctx context.Context, tx *gorm.DB, e LedgerEntry) (*model.BalanceTransaction, error) {
	var trans *model.BalanceTransaction

	err := l.within(ctx, tx, func(tx *gorm.DB) error {
		if err := l.accountRepo.Ensure(ctx, tx, e.UserID); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}
		if err := l.accountRepo.Increase(ctx, tx, e.UserID, e.Amount); err != nil {
			return fmt.Errorf("increase balance: %w", err)
		}

		var err error
		trans, err = l.appendCompleted(ctx, tx, e, e.Amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return trans, nil
}

// RegisterPending logs an expected credit without touching the balance.
func (l *Ledger) RegisterPending(ctx context.Context, tx *gorm.DB, e LedgerEntry) (*model.BalanceTransaction, error) {
	trans := newTransaction(e, e.Amount, model.TransactionStatusPending)
	if err := l.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("create pending transaction: %w", err)
	}
	return trans, nil
}

// SettlePending credits a pending row's amount and completes the row.
// A row that already left pending yields repository.ErrTransactionStatusInvalid
// and rolls the credit back with the surrounding transaction.
func (l *Ledger) SettlePending(ctx context.Context, tx *gorm.DB, trans *model.BalanceTransaction) error {
	return l.within(ctx, tx, func(tx *gorm.DB) error {
		if err := l.accountRepo.Ensure(ctx, tx, trans.UserID); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}
		if err := l.accountRepo.Increase(ctx, tx, trans.UserID, trans.Amount); err != nil {
			return fmt.Errorf("increase balance: %w", err)
		}

		balance, err := l.balance(ctx, tx, trans.UserID)
		if err != nil {
			return err
		}
		if err := l.transactionRepo.Complete(ctx, tx, trans.ID, balance); err != nil {
			return fmt.Errorf("complete transaction %d: %w", trans.ID, err)
		}
		trans.Status = model.TransactionStatusCompleted
		trans.BalanceAfter = &balance
		return nil
	})
}

func (l *Ledger) FailPending(ctx context.Context, tx *gorm.DB, transID int64) error {
	if err := l.transactionRepo.Fail(ctx, tx, transID); err != nil {
		return fmt.Errorf("fail transaction %d: %w", transID, err)
	}
	return nil
}

func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	account, err := l.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return account.Balance, nil
}

func (l *Ledger) balance(ctx context.Context, tx *gorm.DB, userID uuid.UUID) (decimal.Decimal, error) {
	account, err := l.accountRepo.GetByUserID(ctx, tx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	return account.Balance, nil
}

func (l *Ledger) appendCompleted(ctx context.Context, tx *gorm.DB, e LedgerEntry, signed decimal.Decimal) (*model.BalanceTransaction, error) {
	balance, err := l.balance(ctx, tx, e.UserID)
	if err != nil {
		return nil, err
	}

	trans := newTransaction(e, signed, model.TransactionStatusCompleted)
	trans.BalanceAfter = &balance
	if err := l.transactionRepo.Create(ctx, tx, trans); err != nil {
		// the balance update is rolled back with the transaction
		l.logger.Error("ledger log write failed, rolling back balance mutation",
			zap.String("user_id", e.UserID.String()),
			zap.String("type", e.Type),
			zap.String("amount", signed.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	return trans, nil
}

func newTransaction(e LedgerEntry, signed decimal.Decimal, status string) *model.BalanceTransaction {
	trans := &model.BalanceTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        e.UserID,
		OrderID:       e.OrderID,
		Amount:        signed,
		Type:          e.Type,
		Status:        status,
		Description:   e.Description,
	}
	if e.PaymentMethod != "" {
		method := e.PaymentMethod
		trans.PaymentMethod = &method
	}
	return trans
}
