package service

import (
	"context"

	"storefront/internal/model"
	"storefront/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type AccountService struct {
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
}

func NewAccountService(db *gorm.DB) *AccountService {
	return &AccountService{
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
	}
}

type BalanceView struct {
	UserID    uuid.UUID       `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	IsVeteran bool            `json:"is_veteran"`
}

// GetBalance creates the zero-balance account on first access.
func (s *AccountService) GetBalance(ctx context.Context, userID uuid.UUID) (*BalanceView, error) {
	account, err := s.accountRepo.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &BalanceView{
		UserID:    account.UserID,
		Balance:   account.Balance,
		IsVeteran: account.IsVeteran,
	}, nil
}

func (s *AccountService) ListTransactions(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*model.BalanceTransaction, int64, error) {
	return s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
}
