package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/internal/config"
	"storefront/internal/infrastructure/lock"
	"storefront/internal/model"
	"storefront/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RefundService performs the administrative completed -> refunded transition.
// The final amount goes back to the buyer's balance.
type RefundService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	logger      *zap.Logger
	ledger      *Ledger
	orderRepo   *repository.OrderRepository
	outboxRepo  *repository.OutboxRepository
}

func NewRefundService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, logger *zap.Logger, ledger *Ledger) *RefundService {
	return &RefundService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		logger:      logger,
		ledger:      ledger,
		orderRepo:   repository.NewOrderRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

type RefundRequest struct {
	Reason string `json:"reason" binding:"max=256"`
}

type RefundResponse struct {
	OrderID       uuid.UUID       `json:"order_id"`
	OrderNo       string          `json:"order_no"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	TransactionNo string          `json:"transaction_no"`
}

// Refund succeeds once per order. Later calls, and calls for orders that
// never completed, get ErrOrderNotRefundable.
func (s *RefundService) Refund(ctx context.Context, adminID, orderID uuid.UUID, req *RefundRequest) (*RefundResponse, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus != model.OrderStatusCompleted {
		return nil, ErrOrderNotRefundable
	}

	refundLock := lock.NewRefundLock(s.redisClient, orderID)
	if err := refundLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			return nil, ErrCheckoutInProgress
		}
		return nil, fmt.Errorf("%w: refund lock: %v", ErrInternal, err)
	}
	defer refundLock.Unlock(context.WithoutCancel(ctx))

	var trans *model.BalanceTransaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.UpdateStatus(ctx, tx, orderID, model.OrderStatusCompleted, model.OrderStatusRefunded); err != nil {
			return err
		}

		description := "Refund for order #" + order.OrderNo
		if req != nil && req.Reason != "" {
			description += ": " + req.Reason
		}
		var err error
		trans, err = s.ledger.Credit(ctx, tx, LedgerEntry{
			UserID:        order.UserID,
			OrderID:       &order.ID,
			Amount:        order.FinalAmount,
			Type:          model.TransactionTypeRefund,
			PaymentMethod: order.PaymentMethod,
			Description:   description,
		})
		if err != nil {
			return err
		}

		return s.outboxRepo.Enqueue(ctx, tx, s.cfg.Kafka.Topic.OrderEvents, order.OrderNo,
			orderEvent(model.EventOrderRefunded, order, model.OrderStatusRefunded))
	})
	if err != nil {
		if errors.Is(err, repository.ErrOrderStatusInvalid) {
			return nil, ErrOrderNotRefundable
		}
		s.logger.Error("refund failed",
			zap.String("order_id", orderID.String()),
			zap.String("admin_id", adminID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: refund", ErrInternal)
	}

	s.logger.Info("order refunded",
		zap.String("order_id", orderID.String()),
		zap.String("admin_id", adminID.String()),
		zap.String("amount", order.FinalAmount.StringFixed(2)),
	)

	return &RefundResponse{
		OrderID:       order.ID,
		OrderNo:       order.OrderNo,
		Amount:        order.FinalAmount,
		Status:        model.OrderStatusRefunded,
		TransactionNo: trans.TransactionNo,
	}, nil
}

func (s *RefundService) load(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	order, err := s.orderRepo.GetByID(ctx, nil, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}
