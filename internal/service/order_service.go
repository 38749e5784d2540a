package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/internal/config"
	"storefront/internal/infrastructure/lock"
	"storefront/internal/model"
	"storefront/internal/ratelimit"
	"storefront/internal/repository"
	"storefront/internal/validation"
	"storefront/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type OrderService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	logger      *zap.Logger
	limiter     *ratelimit.Limiter
	policy      ratelimit.Policy
	validator   *validation.Validator
	pricing     *PriceAuthority
	ledger      *Ledger
	payments    *PaymentService
	audit       *AuditRecorder
	purchases   *purchaseSettler
	orderRepo   *repository.OrderRepository
	transRepo   *repository.TransactionRepository
}

func NewOrderService(
	db *gorm.DB,
	redisClient *redis.Client,
	cfg *config.Config,
	logger *zap.Logger,
	limiter *ratelimit.Limiter,
	validator *validation.Validator,
	pricing *PriceAuthority,
	ledger *Ledger,
	payments *PaymentService,
	audit *AuditRecorder,
) *OrderService {
	orderRepo := repository.NewOrderRepository(db)
	return &OrderService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		logger:      logger,
		limiter:     limiter,
		policy:      ratelimit.PolicyFrom(ratelimit.CreateOrder, cfg.RateLimit.CreateOrder),
		validator:   validator,
		pricing:     pricing,
		ledger:      ledger,
		payments:    payments,
		audit:       audit,
		purchases: &purchaseSettler{
			ledger:          ledger,
			orderRepo:       orderRepo,
			outboxRepo:      repository.NewOutboxRepository(db),
			orderTopic:      cfg.Kafka.Topic.OrderEvents,
			cashbackPercent: decimal.NewFromInt(int64(cfg.Business.CashbackPercent)),
		},
		orderRepo: orderRepo,
		transRepo: repository.NewTransactionRepository(db),
	}
}

type CreateOrderResult struct {
	Success        bool              `json:"success"`
	OrderID        uuid.UUID         `json:"order_id"`
	OrderNo        string            `json:"order_no"`
	PaymentStatus  string            `json:"payment_status"`
	TotalAmount    decimal.Decimal   `json:"total_amount"`
	DiscountAmount decimal.Decimal   `json:"discount_amount"`
	FinalAmount    decimal.Decimal   `json:"final_amount"`
	PaymentURL     string            `json:"payment_url,omitempty"`
	Payment        *InitiationResult `json:"payment,omitempty"`
}

type orderSummary struct {
	PaymentMethod string         `json:"payment_method"`
	Items         map[string]int `json:"items"`
}

// ============================================================================
// Checkout pipeline
// ============================================================================
//
//   rate limit -> validate -> price -> per-user lock
//   -> [balance] pre-check funds
//   -> tx1: order + items
//   -> [balance]  tx2: debit + order completed + cashback + outbox
//   -> [external] open gateway session, order stays pending
//   -> audit
//
// A debit that loses a race after the pre-check marks the order failed;
// the pre-check alone is never trusted.
// ============================================================================

func (s *OrderService) CreateOrder(ctx context.Context, meta RequestMeta, raw []byte) (result *CreateOrderResult, err error) {
	start := time.Now()
	var summary *orderSummary
	defer func() {
		userID := meta.UserID
		s.audit.Record(ctx, AuditEntry{
			FunctionName: "create-order",
			Operation:    "create_order",
			UserID:       &userID,
			Request:      summary,
			Response:     result,
			Err:          err,
			IPAddress:    meta.IPAddress,
			UserAgent:    meta.UserAgent,
			Duration:     time.Since(start),
		})
	}()

	// 1. rate limit
	ok, limitErr := s.limiter.Admit(ctx, ratelimit.Actor(meta.UserID.String(), meta.IPAddress), s.policy)
	if limitErr != nil {
		s.logger.Warn("rate limiter error", zap.String("policy", s.policy.Name), zap.Error(limitErr))
	}
	if !ok {
		return nil, ErrRateLimited
	}

	// 2. validate
	req, err := s.validator.ValidateOrderRequest(raw)
	if err != nil {
		return nil, err
	}
	summary = summarize(req)

	if model.IsExternalMethod(req.PaymentMethod) && !s.payments.Enabled(req.PaymentMethod) {
		return nil, ErrGatewayDisabled
	}

	// 3. price
	quote, err := s.pricing.Price(ctx, req.Items, meta.UserID)
	if err != nil {
		return nil, err
	}

	log := s.logger.With(
		zap.String("user_id", meta.UserID.String()),
		zap.String("payment_method", req.PaymentMethod),
		zap.String("final_amount", quote.Final.StringFixed(2)),
	)

	checkoutLock := lock.NewCheckoutLock(s.redisClient, meta.UserID)
	if err := checkoutLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			return nil, ErrCheckoutInProgress
		}
		log.Error("acquire checkout lock failed", zap.Error(err))
		return nil, fmt.Errorf("%w: checkout lock", ErrInternal)
	}
	defer func() {
		if err := checkoutLock.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn("release checkout lock failed", zap.Error(err))
		}
	}()

	// 4. pre-check funds, before any order row exists
	if req.PaymentMethod == model.PaymentMethodBalance {
		balance, err := s.ledger.Balance(ctx, meta.UserID)
		if err != nil {
			log.Error("read balance failed", zap.Error(err))
			return nil, fmt.Errorf("%w: read balance", ErrInternal)
		}
		if balance.LessThan(quote.Final) {
			return nil, ErrInsufficientFunds
		}
	}

	// 5 + 6. order and items in one transaction
	order := buildOrder(meta.UserID, req.PaymentMethod, quote)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.orderRepo.CreateWithItems(ctx, tx, order)
	})
	if err != nil {
		log.Error("persist order failed", zap.Error(err))
		return nil, fmt.Errorf("%w: persist order", ErrInternal)
	}
	log = log.With(zap.String("order_id", order.ID.String()))

	result = &CreateOrderResult{
		Success:        true,
		OrderID:        order.ID,
		OrderNo:        order.OrderNo,
		PaymentStatus:  order.PaymentStatus,
		TotalAmount:    order.TotalAmount,
		DiscountAmount: order.DiscountAmount,
		FinalAmount:    order.FinalAmount,
	}

	// 7. balance settlement
	if req.PaymentMethod == model.PaymentMethodBalance {
		if err := s.settleWithBalance(ctx, order, log); err != nil {
			result = nil
			return nil, err
		}
		result.PaymentStatus = order.PaymentStatus
		log.Info("order paid from balance")
		return result, nil
	}

	// 8. external session
	payment, err := s.payments.Initiate(ctx, Initiation{
		UserID: meta.UserID,
		Method: req.PaymentMethod,
		Amount: order.FinalAmount,
		Order:  order,
	})
	if err != nil {
		result = nil
		return nil, err
	}
	result.Payment = payment
	result.PaymentURL = payment.RedirectURL
	log.Info("order awaiting external payment", zap.String("reference", payment.Reference))
	return result, nil
}

func (s *OrderService) settleWithBalance(ctx context.Context, order *model.Order, log *zap.Logger) error {
	var paid bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		paid, err = s.purchases.complete(ctx, tx, order, model.PaymentMethodBalance)
		return err
	})
	if err != nil {
		// tx2 rolled back, nothing was debited
		log.Error("balance settlement failed", zap.Error(err))
		s.failOrder(ctx, order, log)
		return fmt.Errorf("%w: settle order", ErrInternal)
	}
	if !paid {
		log.Warn("balance changed after pre-check, order failed")
		s.failOrder(ctx, order, log)
		return ErrInsufficientFunds
	}
	return nil
}

// failOrder is best effort; an order left pending is picked up by the
// reconcile job.
func (s *OrderService) failOrder(ctx context.Context, order *model.Order, log *zap.Logger) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.purchases.fail(ctx, tx, order)
	})
	if err != nil {
		log.Error("mark order failed", zap.Error(err))
	}
}

func buildOrder(userID uuid.UUID, method string, quote *Quote) *model.Order {
	order := &model.Order{
		ID:             uuid.New(),
		OrderNo:        idgen.GenerateOrderNo(),
		UserID:         userID,
		TotalAmount:    quote.Total,
		DiscountAmount: quote.Discount,
		FinalAmount:    quote.Final,
		PaymentMethod:  method,
		PaymentStatus:  model.OrderStatusPending,
		Items:          make([]model.OrderItem, 0, len(quote.Lines)),
	}
	for _, line := range quote.Lines {
		order.Items = append(order.Items, model.OrderItem{
			ID:           uuid.New(),
			OrderID:      order.ID,
			ProductID:    line.ProductID,
			ProductName:  line.Name,
			ProductPrice: line.UnitPrice,
			Quantity:     line.Quantity,
		})
	}
	return order
}

func summarize(req *validation.OrderRequest) *orderSummary {
	items := make(map[string]int, len(req.Items))
	for _, item := range req.Items {
		items[item.Product.ID] += item.Quantity
	}
	return &orderSummary{PaymentMethod: req.PaymentMethod, Items: items}
}

// ============================================================================
// Queries
// ============================================================================

// GetOrder returns the order only to its owner.
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*model.Order, error) {
	order, err := s.orderRepo.GetByID(ctx, nil, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *OrderService) ListOrders(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*model.Order, int64, error) {
	return s.orderRepo.ListByUserID(ctx, userID, page, pageSize)
}

// ReconcileStaleOrders resolves balance orders left pending at before, which
// only happens when the process died between the two checkout transactions.
// An order with a completed purchase row is completed, any other is failed.
func (s *OrderService) ReconcileStaleOrders(ctx context.Context, before time.Time, limit int) (int, error) {
	orders, err := s.orderRepo.GetStalePending(ctx, model.PaymentMethodBalance, before, limit)
	if err != nil {
		return 0, fmt.Errorf("load stale orders: %w", err)
	}

	resolved := 0
	for _, order := range orders {
		status, err := s.reconcile(ctx, order)
		if err != nil {
			s.logger.Error("reconcile order failed",
				zap.String("order_id", order.ID.String()),
				zap.Error(err),
			)
			continue
		}
		resolved++
		s.logger.Warn("stale order reconciled",
			zap.String("order_id", order.ID.String()),
			zap.String("status", status),
		)
	}
	return resolved, nil
}

func (s *OrderService) reconcile(ctx context.Context, order *model.Order) (string, error) {
	var status string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		trans, err := s.transRepo.GetCompletedPurchaseByOrderID(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if trans == nil {
			status = model.OrderStatusFailed
			return s.purchases.fail(ctx, tx, order)
		}

		status = model.OrderStatusCompleted
		if err := s.orderRepo.UpdateStatus(ctx, tx, order.ID, model.OrderStatusPending, model.OrderStatusCompleted); err != nil {
			return err
		}
		return s.purchases.outboxRepo.Enqueue(ctx, tx, s.cfg.Kafka.Topic.OrderEvents, order.OrderNo,
			orderEvent(model.EventOrderCompleted, order, model.OrderStatusCompleted))
	})
	return status, err
}
