package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/internal/config"
	"storefront/internal/gateway"
	"storefront/internal/model"
	"storefront/internal/ratelimit"
	"storefront/internal/repository"
	"storefront/internal/validation"
	"storefront/pkg/idgen"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RequestMeta identifies the caller of a service operation.
type RequestMeta struct {
	UserID    uuid.UUID
	IPAddress string
	UserAgent string
	RequestID string
}

type PaymentService struct {
	db          *gorm.DB
	cfg         *config.Config
	logger      *zap.Logger
	ledger      *Ledger
	audit       *AuditRecorder
	limiter     *ratelimit.Limiter
	policies    map[string]ratelimit.Policy
	validator   *validation.Validator
	card        *gateway.CardClient
	crypto      *gateway.CryptoClient
	purchases   *purchaseSettler
	depositRepo *repository.DepositRepository
	orderRepo   *repository.OrderRepository
	transRepo   *repository.TransactionRepository
	outboxRepo  *repository.OutboxRepository
}

// NewPaymentService wires the gateways. A nil client disables that method.
func NewPaymentService(
	db *gorm.DB,
	cfg *config.Config,
	logger *zap.Logger,
	limiter *ratelimit.Limiter,
	validator *validation.Validator,
	ledger *Ledger,
	audit *AuditRecorder,
	card *gateway.CardClient,
	crypto *gateway.CryptoClient,
) *PaymentService {
	orderRepo := repository.NewOrderRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	return &PaymentService{
		db:        db,
		cfg:       cfg,
		logger:    logger,
		ledger:    ledger,
		audit:     audit,
		limiter:   limiter,
		policies:  ratelimit.Policies(cfg.RateLimit),
		validator: validator,
		card:      card,
		crypto:    crypto,
		purchases: &purchaseSettler{
			ledger:          ledger,
			orderRepo:       orderRepo,
			outboxRepo:      outboxRepo,
			orderTopic:      cfg.Kafka.Topic.OrderEvents,
			cashbackPercent: decimal.NewFromInt(int64(cfg.Business.CashbackPercent)),
		},
		depositRepo: repository.NewDepositRepository(db),
		orderRepo:   orderRepo,
		transRepo:   repository.NewTransactionRepository(db),
		outboxRepo:  outboxRepo,
	}
}

// ============================================================================
// Initiation
// ============================================================================

// Initiation asks a gateway for a payment session. Order is set when the
// session pays a pending order directly instead of topping up the balance.
type Initiation struct {
	UserID uuid.UUID
	Method string
	Amount decimal.Decimal
	Order  *model.Order
}

type InitiationResult struct {
	Reference     string          `json:"order_id"`
	RedirectURL   string          `json:"payment_url"`
	PaymentID     string          `json:"payment_id,omitempty"`
	PayAddress    string          `json:"pay_address,omitempty"`
	PayAmount     string          `json:"pay_amount,omitempty"`
	PayCurrency   string          `json:"pay_currency,omitempty"`
	PriceAmount   decimal.Decimal `json:"price_amount"`
	PriceCurrency string          `json:"price_currency"`
}

// InitiateDeposit is the balance top-up entry point: rate limit, validate,
// then open the session.
func (s *PaymentService) InitiateDeposit(ctx context.Context, meta RequestMeta, method string, raw []byte) (result *InitiationResult, err error) {
	start := time.Now()
	var summary interface{}
	defer func() {
		userID := meta.UserID
		s.audit.Record(ctx, AuditEntry{
			FunctionName: method + "-payment",
			Operation:    "payment_init",
			UserID:       &userID,
			Request:      summary,
			Response:     result,
			Err:          err,
			IPAddress:    meta.IPAddress,
			UserAgent:    meta.UserAgent,
			Duration:     time.Since(start),
		})
	}()

	policy := s.policies[ratelimit.CardPayment]
	if method == model.PaymentMethodUSDT {
		policy = s.policies[ratelimit.CryptoPayment]
	}
	if !s.admit(ctx, meta, policy) {
		return nil, ErrRateLimited
	}

	req, err := s.validator.ValidateDepositRequest(raw)
	if err != nil {
		return nil, err
	}
	summary = map[string]string{"amount": req.Amount.StringFixed(2), "method": method}

	return s.Initiate(ctx, Initiation{
		UserID: meta.UserID,
		Method: method,
		Amount: req.Amount,
	})
}

// Initiate registers the pending deposit, then calls the provider. When the
// provider fails, the deposit, its pending row and any linked order are
// marked failed and ErrProviderUnavailable is returned.
func (s *PaymentService) Initiate(ctx context.Context, in Initiation) (*InitiationResult, error) {
	if !s.Enabled(in.Method) {
		return nil, ErrGatewayDisabled
	}

	reference := gateway.NewReference(in.UserID, idgen.NextMillis())
	log := s.logger.With(
		zap.String("reference", reference),
		zap.String("user_id", in.UserID.String()),
		zap.String("method", in.Method),
	)

	var orderID *uuid.UUID
	description := "Balance top-up via " + in.Method
	if in.Order != nil {
		id := in.Order.ID
		orderID = &id
		description = "Payment for order #" + in.Order.OrderNo
	}

	var payEstimate string
	if in.Method == model.PaymentMethodUSDT {
		estimate, err := s.crypto.Estimate(ctx, in.Amount)
		if err != nil {
			log.Error("crypto estimate failed", zap.Error(err))
			s.abortOrder(ctx, in.Order)
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		payEstimate = estimate
	}

	deposit := &model.Deposit{
		Reference: reference,
		UserID:    in.UserID,
		OrderID:   orderID,
		Provider:  in.Method,
		Amount:    in.Amount,
		Status:    model.DepositStatusPending,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		trans, err := s.ledger.RegisterPending(ctx, tx, LedgerEntry{
			UserID:        in.UserID,
			OrderID:       orderID,
			Amount:        in.Amount,
			Type:          model.TransactionTypeDeposit,
			PaymentMethod: in.Method,
			Description:   description,
		})
		if err != nil {
			return err
		}
		deposit.TransactionID = trans.ID
		return s.depositRepo.Create(ctx, tx, deposit)
	})
	if err != nil {
		log.Error("register deposit failed", zap.Error(err))
		s.abortOrder(ctx, in.Order)
		return nil, fmt.Errorf("register deposit: %w", err)
	}

	session, err := s.openSession(ctx, reference, in, description)
	if err != nil {
		log.Error("payment session creation failed", zap.Error(err))
		s.abortDeposit(ctx, deposit, in.Order)
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if session.ProviderPaymentID != "" {
		if err := s.depositRepo.AttachProviderPayment(ctx, deposit.ID, session.ProviderPaymentID, session.PayAmount, session.PayCurrency); err != nil {
			// the reference still correlates the callback
			log.Warn("attach provider payment id failed", zap.Error(err))
		}
	}

	payAmount := session.PayAmount
	if payAmount == "" {
		payAmount = payEstimate
	}
	log.Info("payment session created", zap.String("amount", in.Amount.StringFixed(2)))

	return &InitiationResult{
		Reference:     reference,
		RedirectURL:   session.RedirectURL,
		PaymentID:     session.ProviderPaymentID,
		PayAddress:    session.PayAddress,
		PayAmount:     payAmount,
		PayCurrency:   session.PayCurrency,
		PriceAmount:   in.Amount,
		PriceCurrency: s.priceCurrency(in.Method),
	}, nil
}

func (s *PaymentService) openSession(ctx context.Context, reference string, in Initiation, description string) (*gateway.Session, error) {
	switch in.Method {
	case model.PaymentMethodCard:
		return s.card.CreateInvoice(ctx, reference, in.Amount, []gateway.InvoiceLine{
			{Name: description, Count: 1, Price: in.Amount},
		})
	case model.PaymentMethodUSDT:
		return s.crypto.CreatePayment(ctx, reference, in.Amount, description)
	default:
		return nil, ErrGatewayDisabled
	}
}

func (s *PaymentService) Enabled(method string) bool {
	switch method {
	case model.PaymentMethodCard:
		return s.card != nil
	case model.PaymentMethodUSDT:
		return s.crypto != nil
	default:
		return false
	}
}

func (s *PaymentService) priceCurrency(method string) string {
	if method == model.PaymentMethodUSDT {
		return s.cfg.Gateways.Crypto.PriceCurrency
	}
	return s.cfg.Gateways.Card.Currency
}

func (s *PaymentService) abortDeposit(ctx context.Context, deposit *model.Deposit, order *model.Order) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.depositRepo.Fail(ctx, tx, deposit.ID, model.DepositFailureProvider); err != nil {
			return err
		}
		if err := s.ledger.FailPending(ctx, tx, deposit.TransactionID); err != nil {
			return err
		}
		if order != nil {
			return s.purchases.fail(ctx, tx, order)
		}
		return nil
	})
	if err != nil {
		// the expiry job retires the deposit later
		s.logger.Error("abort deposit failed",
			zap.String("reference", deposit.Reference),
			zap.Error(err),
		)
	}
}

func (s *PaymentService) abortOrder(ctx context.Context, order *model.Order) {
	if order == nil {
		return
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.purchases.fail(ctx, tx, order)
	})
	if err != nil {
		s.logger.Error("mark order failed",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *PaymentService) admit(ctx context.Context, meta RequestMeta, policy ratelimit.Policy) bool {
	ok, err := s.limiter.Admit(ctx, ratelimit.Actor(meta.UserID.String(), meta.IPAddress), policy)
	if err != nil {
		s.logger.Warn("rate limiter error", zap.String("policy", policy.Name), zap.Error(err))
	}
	return ok
}

// ============================================================================
// Callbacks
// ============================================================================

// CallbackMeta describes who delivered a provider callback.
type CallbackMeta struct {
	IPAddress string
	UserAgent string
}

type callbackResult struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Outcome   string `json:"outcome"`
	Applied   bool   `json:"applied"`
}

// HandleCardCallback verifies and settles a card gateway callback. Replays
// and callbacks for already settled deposits are acknowledged without effect.
func (s *PaymentService) HandleCardCallback(ctx context.Context, meta CallbackMeta, raw []byte) (ack *gateway.CardAck, err error) {
	start := time.Now()
	var result callbackResult
	defer func() {
		s.recordCallback(ctx, "wayforpay-payment", meta, result, err, start)
	}()

	if s.card == nil {
		return nil, ErrGatewayDisabled
	}

	cb, err := gateway.ParseCardCallback(raw)
	if err != nil {
		s.logger.Error("card callback rejected: malformed body", zap.String("ip", meta.IPAddress))
		return nil, ErrSignatureInvalid
	}
	result.Reference = cb.OrderReference
	result.Status = cb.TransactionStatus

	if err := s.card.Verify(cb); err != nil {
		s.logger.Error("card callback rejected: signature mismatch",
			zap.String("ip", meta.IPAddress),
			zap.String("reference", cb.OrderReference),
		)
		return nil, ErrSignatureInvalid
	}

	amount, err := decimal.NewFromString(cb.Amount.String())
	if err != nil {
		s.logger.Error("card callback amount unreadable", zap.String("reference", cb.OrderReference))
		return s.card.Ack(cb.OrderReference, gateway.CardAckDecline), nil
	}

	outcome := gateway.ClassifyCard(cb.TransactionStatus)
	applied, final, err := s.settle(ctx, settlement{
		provider:  model.PaymentMethodCard,
		reference: cb.OrderReference,
		outcome:   outcome,
		amount:    amount,
		detail:    cb.CardPan,
	})
	result.Outcome = final.String()
	result.Applied = applied
	if err != nil {
		if errors.Is(err, ErrInvalidReference) {
			return s.card.Ack(cb.OrderReference, gateway.CardAckDecline), nil
		}
		return nil, err
	}

	status := gateway.CardAckAccept
	if final == gateway.OutcomeFailure {
		status = gateway.CardAckDecline
	}
	return s.card.Ack(cb.OrderReference, status), nil
}

// HandleCryptoCallback verifies and settles a crypto IPN. Any verified
// callback, including unknown references, is acknowledged; only storage
// failures surface so the provider retries.
func (s *PaymentService) HandleCryptoCallback(ctx context.Context, meta CallbackMeta, raw []byte, signature string) (err error) {
	start := time.Now()
	var result callbackResult
	defer func() {
		s.recordCallback(ctx, "nowpayments-payment", meta, result, err, start)
	}()

	if s.crypto == nil {
		return ErrGatewayDisabled
	}

	if err := s.crypto.Verify(raw, signature); err != nil {
		s.logger.Error("crypto callback rejected: signature mismatch", zap.String("ip", meta.IPAddress))
		return ErrSignatureInvalid
	}

	cb, err := gateway.ParseCryptoCallback(raw)
	if err != nil {
		s.logger.Error("crypto callback rejected: malformed body", zap.String("ip", meta.IPAddress))
		return ErrSignatureInvalid
	}
	result.Reference = cb.OrderID
	result.Status = cb.PaymentStatus

	amount, err := decimal.NewFromString(cb.PriceAmount.String())
	if err != nil {
		s.logger.Error("crypto callback price_amount unreadable", zap.String("reference", cb.OrderID))
		return nil
	}

	applied, final, err := s.settle(ctx, settlement{
		provider:          model.PaymentMethodUSDT,
		reference:         cb.OrderID,
		providerPaymentID: cb.PaymentID.String(),
		outcome:           gateway.ClassifyCrypto(cb.PaymentStatus),
		amount:            amount,
		detail:            fmt.Sprintf("%s %s", cb.PayAmount, cb.PayCurrency),
	})
	result.Outcome = final.String()
	result.Applied = applied
	if err != nil && !errors.Is(err, ErrInvalidReference) {
		return err
	}
	return nil
}

func (s *PaymentService) recordCallback(ctx context.Context, function string, meta CallbackMeta, result callbackResult, err error, start time.Time) {
	s.audit.Record(ctx, AuditEntry{
		FunctionName: function,
		Operation:    "payment_callback",
		Request:      map[string]string{"reference": result.Reference, "status": result.Status},
		Response:     result,
		Err:          err,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		Duration:     time.Since(start),
	})
}

type settlement struct {
	provider          string
	reference         string
	providerPaymentID string
	outcome           gateway.Outcome
	amount            decimal.Decimal
	detail            string
}

// settle applies a verified callback to its deposit exactly once. It returns
// whether state changed and the outcome actually applied, which differs from
// the provider's when the paid amount does not match.
func (s *PaymentService) settle(ctx context.Context, in settlement) (bool, gateway.Outcome, error) {
	log := s.logger.With(
		zap.String("provider", in.provider),
		zap.String("reference", in.reference),
	)

	userID, _, err := gateway.ParseReference(in.reference)
	if err != nil {
		log.Error("callback carries a malformed reference")
		return false, in.outcome, ErrInvalidReference
	}

	deposit, err := s.depositRepo.GetByReference(ctx, nil, in.reference)
	if err != nil {
		if errors.Is(err, repository.ErrDepositNotFound) {
			log.Error("callback for unknown deposit")
			return false, in.outcome, ErrInvalidReference
		}
		return false, in.outcome, fmt.Errorf("load deposit: %w", err)
	}
	if deposit.UserID != userID || deposit.Provider != in.provider {
		log.Error("callback does not match the registered deposit")
		return false, in.outcome, ErrInvalidReference
	}
	if in.providerPaymentID != "" && deposit.ProviderPaymentID != nil && *deposit.ProviderPaymentID != in.providerPaymentID {
		log.Error("callback payment id does not match the registered deposit",
			zap.String("payment_id", in.providerPaymentID))
		return false, in.outcome, ErrInvalidReference
	}

	if deposit.Status != model.DepositStatusPending {
		if in.outcome == gateway.OutcomeSuccess && deposit.Status == model.DepositStatusFailed {
			return s.settleLate(ctx, deposit, in, log)
		}
		log.Info("callback for settled deposit ignored", zap.String("deposit_status", deposit.Status))
		return false, in.outcome, nil
	}

	outcome := in.outcome
	if outcome == gateway.OutcomeSuccess && !in.amount.Equal(deposit.Amount) {
		log.Error("paid amount differs from deposit, manual reconciliation required",
			zap.String("expected", deposit.Amount.StringFixed(2)),
			zap.String("received", in.amount.String()),
		)
		outcome = gateway.OutcomeFailure
	}

	switch outcome {
	case gateway.OutcomeSuccess:
		err = s.completeDeposit(ctx, deposit, in.detail)
	case gateway.OutcomeFailure:
		err = s.failDeposit(ctx, deposit, model.DepositFailureProvider)
	default:
		log.Info("payment still in progress")
		return false, outcome, nil
	}

	if errors.Is(err, repository.ErrDepositSettled) {
		// a concurrent delivery won the race
		log.Info("callback replay ignored")
		return false, outcome, nil
	}
	if err != nil {
		log.Error("settle deposit failed",
			zap.String("user_id", deposit.UserID.String()),
			zap.Error(err),
		)
		return false, outcome, fmt.Errorf("%w: settle deposit", ErrInternal)
	}

	log.Info("deposit settled", zap.String("outcome", outcome.String()))
	return true, outcome, nil
}

// settleLate handles a success reported for a deposit that already failed.
// A deposit the expiry sweep retired is credited to the balance with a new
// ledger row; its failed pending row and any linked order stay failed.
// Anything else is left for manual reconciliation.
func (s *PaymentService) settleLate(ctx context.Context, deposit *model.Deposit, in settlement, log *zap.Logger) (bool, gateway.Outcome, error) {
	log = log.With(
		zap.String("user_id", deposit.UserID.String()),
		zap.String("expected", deposit.Amount.StringFixed(2)),
		zap.String("received", in.amount.String()),
	)

	if deposit.FailureSource == nil || *deposit.FailureSource != model.DepositFailureExpiry {
		log.Error("provider reports success for a deposit it failed, manual reconciliation required")
		return false, gateway.OutcomeFailure, nil
	}
	if !in.amount.Equal(deposit.Amount) {
		log.Error("late payment amount differs from expired deposit, manual reconciliation required")
		return false, gateway.OutcomeFailure, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.depositRepo.CompleteExpired(ctx, tx, deposit.ID); err != nil {
			return err
		}
		if _, err := s.ledger.Credit(ctx, tx, LedgerEntry{
			UserID:        deposit.UserID,
			OrderID:       deposit.OrderID,
			Amount:        deposit.Amount,
			Type:          model.TransactionTypeDeposit,
			PaymentMethod: deposit.Provider,
			Description:   "Late payment for expired deposit " + deposit.Reference,
		}); err != nil {
			return err
		}
		return s.outboxRepo.Enqueue(ctx, tx, s.cfg.Kafka.Topic.DepositEvents, deposit.Reference,
			depositEvent(model.EventDepositLatePaid, deposit, model.DepositStatusCompleted))
	})
	if errors.Is(err, repository.ErrDepositSettled) {
		log.Info("late payment replay ignored")
		return false, gateway.OutcomeSuccess, nil
	}
	if err != nil {
		log.Error("crediting late payment failed", zap.Error(err))
		return false, gateway.OutcomeSuccess, fmt.Errorf("%w: settle late payment", ErrInternal)
	}

	fields := []zap.Field{}
	if deposit.OrderID != nil {
		fields = append(fields, zap.String("order_id", deposit.OrderID.String()))
	}
	log.Error("payment confirmed after deposit expiry, credited to balance", fields...)
	return true, gateway.OutcomeSuccess, nil
}

func (s *PaymentService) completeDeposit(ctx context.Context, deposit *model.Deposit, detail string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.depositRepo.Complete(ctx, tx, deposit.ID); err != nil {
			return err
		}

		trans, err := s.transRepo.GetByID(ctx, tx, deposit.TransactionID)
		if err != nil {
			return err
		}
		if detail != "" {
			trans.Description = fmt.Sprintf("%s (%s)", trans.Description, detail)
		}
		if err := s.ledger.SettlePending(ctx, tx, trans); err != nil {
			return err
		}

		if err := s.outboxRepo.Enqueue(ctx, tx, s.cfg.Kafka.Topic.DepositEvents, deposit.Reference,
			depositEvent(model.EventDepositCompleted, deposit, model.DepositStatusCompleted)); err != nil {
			return err
		}

		if deposit.OrderID == nil {
			return nil
		}
		return s.payOrder(ctx, tx, deposit)
	})
}

// payOrder spends a just-credited deposit on the order it was opened for.
// An order that is no longer pending keeps the money as balance.
func (s *PaymentService) payOrder(ctx context.Context, tx *gorm.DB, deposit *model.Deposit) error {
	order, err := s.orderRepo.GetByID(ctx, tx, *deposit.OrderID)
	if err != nil {
		return err
	}
	if order.PaymentStatus != model.OrderStatusPending {
		s.logger.Warn("paid order is no longer pending, amount kept as balance",
			zap.String("order_id", order.ID.String()),
			zap.String("status", order.PaymentStatus),
		)
		return nil
	}

	ok, err := s.purchases.complete(ctx, tx, order, deposit.Provider)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("balance does not cover order %s after deposit", order.ID)
	}
	return nil
}

func (s *PaymentService) failDeposit(ctx context.Context, deposit *model.Deposit, source string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.depositRepo.Fail(ctx, tx, deposit.ID, source); err != nil {
			return err
		}
		if err := s.ledger.FailPending(ctx, tx, deposit.TransactionID); err != nil {
			return err
		}
		if err := s.outboxRepo.Enqueue(ctx, tx, s.cfg.Kafka.Topic.DepositEvents, deposit.Reference,
			depositEvent(model.EventDepositFailed, deposit, model.DepositStatusFailed)); err != nil {
			return err
		}
		if deposit.OrderID == nil {
			return nil
		}
		order, err := s.orderRepo.GetByID(ctx, tx, *deposit.OrderID)
		if err != nil {
			return err
		}
		return s.purchases.fail(ctx, tx, order)
	})
}

// ============================================================================
// Maintenance
// ============================================================================

// ExpireStaleDeposits fails deposits still pending at before, together with
// their pending ledger rows and linked orders. Deposits settled by a callback
// in the meantime are skipped. A payment confirmed after expiry is still
// credited, see settleLate.
func (s *PaymentService) ExpireStaleDeposits(ctx context.Context, before time.Time, limit int) (int, error) {
	deposits, err := s.depositRepo.GetStalePending(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("load stale deposits: %w", err)
	}

	expired := 0
	for _, deposit := range deposits {
		err := s.failDeposit(ctx, deposit, model.DepositFailureExpiry)
		if errors.Is(err, repository.ErrDepositSettled) {
			continue
		}
		if err != nil {
			s.logger.Error("expire deposit failed",
				zap.String("reference", deposit.Reference),
				zap.Error(err),
			)
			continue
		}
		expired++
		s.logger.Info("deposit expired",
			zap.String("reference", deposit.Reference),
			zap.String("user_id", deposit.UserID.String()),
		)
	}
	return expired, nil
}
