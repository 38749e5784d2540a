package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storefront/internal/config"

	"github.com/shopspring/decimal"
)

// SignatureHeader carries the IPN signature on crypto callbacks.
const SignatureHeader = "x-nowpayments-sig"

type CryptoClient struct {
	cfg         config.CryptoConfig
	callbackURL string
	httpClient  *http.Client
}

func NewCryptoClient(cfg config.CryptoConfig, callbackURL string, timeout time.Duration) *CryptoClient {
	return &CryptoClient{
		cfg:         cfg,
		callbackURL: callbackURL,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

type estimateResponse struct {
	EstimatedAmount Literal `json:"estimated_amount"`
}

type paymentRequest struct {
	PriceAmount      json.Number `json:"price_amount"`
	PriceCurrency    string      `json:"price_currency"`
	PayCurrency      string      `json:"pay_currency"`
	IPNCallbackURL   string      `json:"ipn_callback_url"`
	OrderID          string      `json:"order_id"`
	OrderDescription string      `json:"order_description"`
}

type paymentResponse struct {
	PaymentID   Literal `json:"payment_id"`
	PayAddress  string  `json:"pay_address"`
	PayAmount   Literal `json:"pay_amount"`
	PayCurrency string  `json:"pay_currency"`
}

// Estimate converts amount in the price currency into the pay currency.
func (c *CryptoClient) Estimate(ctx context.Context, amount decimal.Decimal) (string, error) {
	q := url.Values{}
	q.Set("amount", amount.String())
	q.Set("currency_from", c.cfg.PriceCurrency)
	q.Set("currency_to", c.cfg.PayCurrency)

	var result estimateResponse
	if err := c.do(ctx, http.MethodGet, "/estimate?"+q.Encode(), nil, &result); err != nil {
		return "", fmt.Errorf("estimate: %w", err)
	}
	if result.EstimatedAmount == "" {
		return "", fmt.Errorf("%w: estimate returned no amount", ErrProvider)
	}
	return result.EstimatedAmount.String(), nil
}

// CreatePayment opens a payment for reference and returns the deposit address.
func (c *CryptoClient) CreatePayment(ctx context.Context, reference string, amount decimal.Decimal, description string) (*Session, error) {
	body := paymentRequest{
		PriceAmount:      json.Number(amount.String()),
		PriceCurrency:    c.cfg.PriceCurrency,
		PayCurrency:      c.cfg.PayCurrency,
		IPNCallbackURL:   c.callbackURL,
		OrderID:          reference,
		OrderDescription: description,
	}

	var result paymentResponse
	if err := c.do(ctx, http.MethodPost, "/payment", body, &result); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	if result.PaymentID == "" {
		return nil, fmt.Errorf("%w: payment returned no id", ErrProvider)
	}

	return &Session{
		RedirectURL:       c.cfg.InvoiceURL + result.PaymentID.String(),
		ProviderPaymentID: result.PaymentID.String(),
		PayAddress:        result.PayAddress,
		PayAmount:         result.PayAmount.String(),
		PayCurrency:       result.PayCurrency,
	}, nil
}

func (c *CryptoClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.APIURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, truncate(string(raw), 200))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	return nil
}

// CryptoCallback is the IPN body. Only the fields settlement needs are typed.
type CryptoCallback struct {
	PaymentID        Literal `json:"payment_id"`
	PaymentStatus    string  `json:"payment_status"`
	PayAddress       string  `json:"pay_address"`
	PriceAmount      Literal `json:"price_amount"`
	PriceCurrency    string  `json:"price_currency"`
	PayAmount        Literal `json:"pay_amount"`
	PayCurrency      string  `json:"pay_currency"`
	OrderID          string  `json:"order_id"`
	OrderDescription string  `json:"order_description"`
}

func ParseCryptoCallback(raw []byte) (*CryptoCallback, error) {
	var cb CryptoCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, fmt.Errorf("decode crypto callback: %w", err)
	}
	return &cb, nil
}

// Verify checks the HMAC-SHA512 of the key-sorted body against signature.
func (c *CryptoClient) Verify(raw []byte, signature string) error {
	signature = strings.ToLower(strings.TrimSpace(signature))
	if signature == "" {
		return ErrSignature
	}

	canonical, err := sortedJSON(raw)
	if err != nil {
		return ErrSignature
	}

	mac := hmac.New(sha512.New, []byte(c.cfg.IPNSecret))
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignature
	}
	return nil
}

// sortedJSON re-encodes a JSON object with keys sorted at every level and
// numbers kept verbatim, matching the provider's signing input.
func sortedJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ClassifyCrypto maps payment_status: finished succeeds, failed and expired
// fail, everything else is still in flight.
func ClassifyCrypto(status string) Outcome {
	switch status {
	case "finished":
		return OutcomeSuccess
	case "failed", "expired":
		return OutcomeFailure
	default:
		return OutcomePending
	}
}
