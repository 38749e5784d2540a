package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"storefront/internal/config"
	"storefront/internal/model"
	"storefront/internal/repository"
	"storefront/internal/validation"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCreateOrder_BalancePaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.seedUser(t, 500, false)

	result, err := h.orders.CreateOrder(ctx, meta(userID), orderBody("vip-1", 1, "balance"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, model.OrderStatusCompleted, result.PaymentStatus)
	assert.True(t, result.TotalAmount.Equal(dec(300)))
	assert.True(t, result.DiscountAmount.IsZero())
	assert.True(t, result.FinalAmount.Equal(dec(300)))
	assert.True(t, h.balance(t, userID).Equal(dec(200)))

	rows := h.transactions(t, userID)
	require.Len(t, rows, 1)
	assert.Equal(t, model.TransactionTypePurchase, rows[0].Type)
	assert.Equal(t, model.TransactionStatusCompleted, rows[0].Status)
	assert.True(t, rows[0].Amount.Equal(dec(-300)))
	require.NotNil(t, rows[0].BalanceAfter)
	assert.True(t, rows[0].BalanceAfter.Equal(dec(200)))

	order, err := h.orders.GetOrder(ctx, userID, result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, order.PaymentStatus)
	assert.NotNil(t, order.PaidAt)
	require.Len(t, order.Items, 1)
	assert.True(t, order.Items[0].ProductPrice.Equal(dec(300)))

	assert.Equal(t, int64(1), h.count(t, &model.OutboxMessage{}, "payload LIKE ?", "%"+model.EventOrderCompleted+"%"))
	assert.Equal(t, int64(1), h.count(t, &model.AuditLog{}, "function_name = ? AND status = ?", "create-order", model.AuditStatusSuccess))
}

func TestCreateOrder_VeteranDiscount(t *testing.T) {
	h := newHarness(t)
	userID := h.seedUser(t, 500, true)

	result, err := h.orders.CreateOrder(context.Background(), meta(userID), orderBody("vip-1", 1, "balance"))
	require.NoError(t, err)

	assert.True(t, result.TotalAmount.Equal(dec(300)))
	assert.True(t, result.DiscountAmount.Equal(dec(30)))
	assert.True(t, result.FinalAmount.Equal(dec(270)))
	assert.True(t, h.balance(t, userID).Equal(dec(230)))
}

func TestCreateOrder_InsufficientFundsCreatesNoOrder(t *testing.T) {
	h := newHarness(t)
	userID := h.seedUser(t, 100, true)

	_, err := h.orders.CreateOrder(context.Background(), meta(userID), orderBody("vip-1", 1, "balance"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assert.True(t, h.balance(t, userID).Equal(dec(100)))
	assert.Zero(t, h.count(t, &model.Order{}, ""))
	assert.Empty(t, h.transactions(t, userID))
	assert.Equal(t, int64(1), h.count(t, &model.AuditLog{}, "function_name = ? AND status = ?", "create-order", model.AuditStatusError))
}

func TestCreateOrder_ClientPriceIgnored(t *testing.T) {
	h := newHarness(t)
	userID := h.seedUser(t, 500, false)

	body := []byte(`{"items":[{"product":{"id":"vip-1","price":0.01,"name":"free"},"quantity":1}],"paymentMethod":"balance"}`)
	result, err := h.orders.CreateOrder(context.Background(), meta(userID), body)
	require.NoError(t, err)
	assert.True(t, result.FinalAmount.Equal(dec(300)))
	assert.True(t, h.balance(t, userID).Equal(dec(200)))
}

func TestCreateOrder_UnknownProduct(t *testing.T) {
	h := newHarness(t)
	userID := h.seedUser(t, 500, false)

	_, err := h.orders.CreateOrder(context.Background(), meta(userID), orderBody("ghost", 1, "balance"))
	assert.ErrorIs(t, err, ErrProductNotFound)
	assert.Zero(t, h.count(t, &model.Order{}, ""))
	assert.True(t, h.balance(t, userID).Equal(dec(500)))
}

func TestCreateOrder_InvalidRequest(t *testing.T) {
	h := newHarness(t)
	userID := h.seedUser(t, 500, false)

	_, err := h.orders.CreateOrder(context.Background(), meta(userID), orderBody("vip-1", 0, "balance"))
	var verr *validation.Error
	assert.True(t, errors.As(err, &verr))
	assert.Zero(t, h.count(t, &model.Order{}, ""))
}

func TestCreateOrder_RateLimited(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RateLimit.CreateOrder = config.RatePolicy{MaxRequests: 2, WindowMinutes: 1}
	})
	ctx := context.Background()
	userID := h.seedUser(t, 10000, false)

	for i := 0; i < 2; i++ {
		_, err := h.orders.CreateOrder(ctx, meta(userID), orderBody("vip-1", 1, "balance"))
		require.NoError(t, err)
	}

	_, err := h.orders.CreateOrder(ctx, meta(userID), orderBody("vip-1", 1, "balance"))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int64(2), h.count(t, &model.Order{}, ""))
	assert.True(t, h.balance(t, userID).Equal(dec(9400)))
}

func TestCreateOrder_ItemsFailureRollsBackOrder(t *testing.T) {
	h := newHarness(t)
	userID := h.seedUser(t, 500, false)

	require.NoError(t, h.db.Callback().Create().Before("gorm:create").Register("test:fail_items", func(db *gorm.DB) {
		if db.Statement.Table == "order_items" {
			db.AddError(errors.New("items insert failed"))
		}
	}))

	_, err := h.orders.CreateOrder(context.Background(), meta(userID), orderBody("vip-1", 1, "balance"))
	assert.ErrorIs(t, err, ErrInternal)
	assert.Zero(t, h.count(t, &model.Order{}, ""))
	assert.Zero(t, h.count(t, &model.OrderItem{}, ""))
	assert.True(t, h.balance(t, userID).Equal(dec(500)))
}

func TestCreateOrder_BalanceSpentAfterPreCheck(t *testing.T) {
	h := newHarness(t)
	userID := h.seedUser(t, 500, false)

	// drain the balance between the pre-check and the debit
	require.NoError(t, h.db.Callback().Create().Before("gorm:create").Register("test:drain_balance", func(db *gorm.DB) {
		if db.Statement.Table == "orders" {
			db.Session(&gorm.Session{NewDB: true}).
				Exec("UPDATE account SET balance = 0 WHERE user_id = ?", userID.String())
		}
	}))

	_, err := h.orders.CreateOrder(context.Background(), meta(userID), orderBody("vip-1", 1, "balance"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	var orders []model.Order
	require.NoError(t, h.db.Find(&orders).Error)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderStatusFailed, orders[0].PaymentStatus)
	assert.True(t, h.balance(t, userID).IsZero())
	assert.Empty(t, h.transactions(t, userID))
	assert.Equal(t, int64(1), h.count(t, &model.OutboxMessage{}, "payload LIKE ?", "%"+model.EventOrderFailed+"%"))
}

func TestCreateOrder_CardSessionLeavesOrderPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.seedUser(t, 0, false)

	result, err := h.orders.CreateOrder(ctx, meta(userID), orderBody("vip-1", 1, "card"))
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusPending, result.PaymentStatus)
	assert.Equal(t, "https://secure.example/invoice/1", result.PaymentURL)
	require.NotNil(t, result.Payment)
	assert.True(t, result.Payment.PriceAmount.Equal(dec(300)))

	var deposit model.Deposit
	require.NoError(t, h.db.Where("reference = ?", result.Payment.Reference).First(&deposit).Error)
	require.NotNil(t, deposit.OrderID)
	assert.Equal(t, result.OrderID, *deposit.OrderID)
	assert.Equal(t, model.DepositStatusPending, deposit.Status)
	assert.True(t, h.balance(t, userID).IsZero())
}

func TestCreateOrder_ProviderFailureFailsOrder(t *testing.T) {
	h := newHarness(t)
	userID := h.seedUser(t, 0, false)
	h.providers.fail.Store(true)

	_, err := h.orders.CreateOrder(context.Background(), meta(userID), orderBody("vip-1", 1, "usdt"))
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	var orders []model.Order
	require.NoError(t, h.db.Find(&orders).Error)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderStatusFailed, orders[0].PaymentStatus)
	assert.Zero(t, h.count(t, &model.Deposit{}, ""))
}

func TestCreateOrder_CardProviderFailureFailsDeposit(t *testing.T) {
	h := newHarness(t)
	userID := h.seedUser(t, 0, false)
	h.providers.fail.Store(true)

	_, err := h.orders.CreateOrder(context.Background(), meta(userID), orderBody("vip-1", 1, "card"))
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	assert.Equal(t, int64(1), h.count(t, &model.Order{}, "payment_status = ?", model.OrderStatusFailed))
	assert.Equal(t, int64(1), h.count(t, &model.Deposit{}, "status = ?", model.DepositStatusFailed))
	rows := h.transactions(t, userID)
	require.Len(t, rows, 1)
	assert.Equal(t, model.TransactionStatusFailed, rows[0].Status)
}

func TestCreateOrder_DisabledGateway(t *testing.T) {
	h := newHarness(t)
	h.payments.crypto = nil
	userID := h.seedUser(t, 0, false)

	_, err := h.orders.CreateOrder(context.Background(), meta(userID), orderBody("vip-1", 1, "usdt"))
	assert.ErrorIs(t, err, ErrGatewayDisabled)
	assert.Zero(t, h.count(t, &model.Order{}, ""))
}

func TestGetOrder_OwnerOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.seedUser(t, 500, false)

	result, err := h.orders.CreateOrder(ctx, meta(userID), orderBody("vip-1", 1, "balance"))
	require.NoError(t, err)

	_, err = h.orders.GetOrder(ctx, uuid.New(), result.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = h.orders.GetOrder(ctx, userID, uuid.New())
	assert.ErrorIs(t, err, ErrOrderNotFound)

	orders, total, err := h.orders.ListOrders(ctx, userID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, orders, 1)
}

func TestReconcileStaleOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.seedUser(t, 500, false)
	repo := repository.NewOrderRepository(h.db)

	pricing := NewPriceAuthority(h.db, 10, 100)
	quote, err := pricing.Price(ctx, items("vip-1", 1), userID)
	require.NoError(t, err)

	debited := buildOrder(userID, model.PaymentMethodBalance, quote)
	abandoned := buildOrder(userID, model.PaymentMethodBalance, quote)
	require.NoError(t, repo.CreateWithItems(ctx, nil, debited))
	require.NoError(t, repo.CreateWithItems(ctx, nil, abandoned))

	// the debit committed but the status update never ran
	ok, _, err := h.ledger.Debit(ctx, nil, LedgerEntry{
		UserID:  userID,
		OrderID: &debited.ID,
		Amount:  debited.FinalAmount,
		Type:    model.TransactionTypePurchase,
	})
	require.NoError(t, err)
	require.True(t, ok)

	resolved, err := h.orders.ReconcileStaleOrders(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, resolved)

	got, err := repo.GetByID(ctx, nil, debited.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, got.PaymentStatus)

	got, err = repo.GetByID(ctx, nil, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFailed, got.PaymentStatus)

	assert.True(t, h.balance(t, userID).Equal(dec(200)))

	resolved, err = h.orders.ReconcileStaleOrders(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, resolved)
}
