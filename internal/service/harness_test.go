package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"storefront/internal/config"
	"storefront/internal/gateway"
	"storefront/internal/model"
	"storefront/internal/ratelimit"
	"storefront/internal/repository"
	"storefront/internal/testutil"
	"storefront/internal/validation"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	cardSecret = "card-secret"
	ipnSecret  = "ipn-secret"
	paymentID  = "5745459419"
)

// fakeProviders stands in for both payment gateways.
type fakeProviders struct {
	card   *httptest.Server
	crypto *httptest.Server
	fail   atomic.Bool
}

func newFakeProviders(t *testing.T) *fakeProviders {
	t.Helper()
	f := &fakeProviders{}

	f.card = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.fail.Load() {
			w.Write([]byte(`{"reason":"Merchant Restriction","reasonCode":1109}`))
			return
		}
		w.Write([]byte(`{"reason":"Ok","reasonCode":1100,"invoiceUrl":"https://secure.example/invoice/1"}`))
	}))
	f.crypto = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/estimate"):
			w.Write([]byte(`{"estimated_amount":2.41}`))
		case strings.HasSuffix(r.URL.Path, "/payment"):
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"payment_id":` + paymentID + `,"pay_address":"TXyz","pay_amount":2.41,"pay_currency":"usdttrc20"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(func() {
		f.card.Close()
		f.crypto.Close()
	})
	return f
}

type harness struct {
	db        *gorm.DB
	redis     *redis.Client
	cfg       *config.Config
	providers *fakeProviders
	ledger    *Ledger
	payments  *PaymentService
	orders    *OrderService
	refunds   *RefundService
	accounts  *AccountService
}

func testConfig(cardURL, cryptoURL string) *config.Config {
	policy := config.RatePolicy{MaxRequests: 100, WindowMinutes: 1}
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{OrderEvents: "order_events", DepositEvents: "deposit_events"},
		},
		Business: config.BusinessConfig{
			VeteranDiscountPercent: 10,
			MaxOrderItems:          50,
			MaxItemQuantity:        100,
			MaxDepositAmount:       100000,
			DepositTimeoutMinutes:  60,
			OrderReconcileMinutes:  5,
			MaxRetryCount:          5,
		},
		RateLimit: config.RateLimitConfig{
			CreateOrder:   policy,
			CardPayment:   policy,
			CryptoPayment: policy,
			Read:          config.RatePolicy{MaxRequests: 100, WindowMinutes: 1, FailOpen: true},
		},
		Gateways: config.GatewaysConfig{
			Timeout: 2 * time.Second,
			Card: config.CardConfig{
				Enabled:         true,
				APIURL:          cardURL,
				MerchantAccount: "shop_example_com",
				MerchantDomain:  "shop.example.com",
				SecretKey:       cardSecret,
				Currency:        "UAH",
			},
			Crypto: config.CryptoConfig{
				Enabled:       true,
				APIURL:        cryptoURL,
				APIKey:        "api-key",
				IPNSecret:     ipnSecret,
				PriceCurrency: "uah",
				PayCurrency:   "usdttrc20",
				InvoiceURL:    "https://nowpayments.io/payment/?iid=",
			},
		},
	}
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()

	db := testutil.NewDB(t)
	_, redisClient := testutil.NewRedis(t)
	providers := newFakeProviders(t)
	cfg := testConfig(providers.card.URL, providers.crypto.URL)
	for _, m := range mutate {
		m(cfg)
	}

	logger := zap.NewNop()
	limiter := ratelimit.New(redisClient, logger)
	validator := validation.New(validation.Limits{
		MaxItems:    cfg.Business.MaxOrderItems,
		MaxQuantity: cfg.Business.MaxItemQuantity,
		MaxDeposit:  decimal.NewFromInt(cfg.Business.MaxDepositAmount),
	})
	ledger := NewLedger(db, logger)
	audit := NewAuditRecorder(db, logger)
	card := gateway.NewCardClient(cfg.Gateways.Card, "https://shop.example.com/api/v1/payments/card/callback", cfg.Gateways.Timeout)
	crypto := gateway.NewCryptoClient(cfg.Gateways.Crypto, "https://shop.example.com/api/v1/payments/crypto/callback", cfg.Gateways.Timeout)
	payments := NewPaymentService(db, cfg, logger, limiter, validator, ledger, audit, card, crypto)
	pricing := NewPriceAuthority(db, cfg.Business.VeteranDiscountPercent, cfg.Business.MaxItemQuantity)

	h := &harness{
		db:        db,
		redis:     redisClient,
		cfg:       cfg,
		providers: providers,
		ledger:    ledger,
		payments:  payments,
		orders:    NewOrderService(db, redisClient, cfg, logger, limiter, validator, pricing, ledger, payments, audit),
		refunds:   NewRefundService(db, redisClient, cfg, logger, ledger),
		accounts:  NewAccountService(db),
	}
	h.seedProduct(t, "vip-1", "VIP", 300)
	return h
}

func (h *harness) seedProduct(t *testing.T, id, name string, price int64) {
	t.Helper()
	require.NoError(t, repository.NewProductRepository(h.db).Create(context.Background(), &model.Product{
		ID: id, Name: name, Price: decimal.NewFromInt(price), IsActive: true,
	}))
}

func (h *harness) seedUser(t *testing.T, balance int64, veteran bool) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewAccountRepository(h.db)
	userID := uuid.New()

	require.NoError(t, repo.Ensure(ctx, nil, userID))
	if balance > 0 {
		require.NoError(t, repo.Increase(ctx, nil, userID, decimal.NewFromInt(balance)))
	}
	if veteran {
		// the profile service owns the flag; tests set the column directly
		require.NoError(t, h.db.Model(&model.Account{}).Where("user_id = ?", userID).Update("is_veteran", true).Error)
	}
	return userID
}

func (h *harness) balance(t *testing.T, userID uuid.UUID) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (h *harness) transactions(t *testing.T, userID uuid.UUID) []*model.BalanceTransaction {
	t.Helper()
	var rows []*model.BalanceTransaction
	require.NoError(t, h.db.Where("user_id = ?", userID).Order("id ASC").Find(&rows).Error)
	return rows
}

func (h *harness) count(t *testing.T, m interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := h.db.Model(m)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func meta(userID uuid.UUID) RequestMeta {
	return RequestMeta{UserID: userID, IPAddress: "203.0.113.7", UserAgent: "test", RequestID: uuid.NewString()}
}

func orderBody(productID string, quantity int, method string) []byte {
	return []byte(fmt.Sprintf(`{"items":[{"product":{"id":%q},"quantity":%d}],"paymentMethod":%q}`, productID, quantity, method))
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func signCard(fields ...string) string {
	mac := hmac.New(sha256.New, []byte(cardSecret))
	mac.Write([]byte(strings.Join(fields, ";")))
	return hex.EncodeToString(mac.Sum(nil))
}

func cardCallback(reference, amount, status string) []byte {
	sig := signCard("shop_example_com", reference, amount, "UAH", "123456", "44****1111", status, "1100")
	return []byte(fmt.Sprintf(`{"merchantAccount":"shop_example_com","orderReference":%q,"amount":%s,"currency":"UAH",`+
		`"authCode":"123456","cardPan":"44****1111","transactionStatus":%q,"reasonCode":1100,"merchantSignature":%q}`,
		reference, amount, status, sig))
}

// cryptoCallback returns an IPN body with keys already sorted, and its signature.
func cryptoCallback(reference, priceAmount, status string) ([]byte, string) {
	body := fmt.Sprintf(`{"order_id":%q,"pay_amount":2.41,"pay_currency":"usdttrc20","payment_id":%s,"payment_status":%q,"price_amount":%s}`,
		reference, paymentID, status, priceAmount)
	mac := hmac.New(sha512.New, []byte(ipnSecret))
	mac.Write([]byte(body))
	return []byte(body), hex.EncodeToString(mac.Sum(nil))
}
