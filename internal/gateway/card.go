package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storefront/internal/config"

	"github.com/shopspring/decimal"
)

const (
	CardAckAccept  = "accept"
	CardAckDecline = "decline"
)

// InvoiceLine is one product row printed on the card invoice.
type InvoiceLine struct {
	Name  string
	Count int
	Price decimal.Decimal
}

type CardClient struct {
	cfg        config.CardConfig
	serviceURL string
	httpClient *http.Client
	now        func() time.Time
}

// NewCardClient creates the card gateway client. serviceURL is the public
// callback address the provider posts payment results to.
func NewCardClient(cfg config.CardConfig, serviceURL string, timeout time.Duration) *CardClient {
	return &CardClient{
		cfg:        cfg,
		serviceURL: serviceURL,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// sign is the provider's HMAC-SHA256 over ';'-joined fields, hex encoded.
func (c *CardClient) sign(fields ...string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(strings.Join(fields, ";")))
	return hex.EncodeToString(mac.Sum(nil))
}

type invoiceRequest struct {
	TransactionType    string        `json:"transactionType"`
	MerchantAccount    string        `json:"merchantAccount"`
	MerchantAuthType   string        `json:"merchantAuthType"`
	MerchantDomainName string        `json:"merchantDomainName"`
	MerchantSignature  string        `json:"merchantSignature"`
	APIVersion         int           `json:"apiVersion"`
	Language           string        `json:"language"`
	ServiceURL         string        `json:"serviceUrl"`
	ReturnURL          string        `json:"returnUrl"`
	OrderReference     string        `json:"orderReference"`
	OrderDate          int64         `json:"orderDate"`
	Amount             json.Number   `json:"amount"`
	Currency           string        `json:"currency"`
	ProductName        []string      `json:"productName"`
	ProductPrice       []json.Number `json:"productPrice"`
	ProductCount       []int         `json:"productCount"`
}

type invoiceResponse struct {
	Reason     string  `json:"reason"`
	ReasonCode Literal `json:"reasonCode"`
	InvoiceURL string  `json:"invoiceUrl"`
}

// CreateInvoice registers an invoice for reference and returns its payment page.
func (c *CardClient) CreateInvoice(ctx context.Context, reference string, amount decimal.Decimal, lines []InvoiceLine) (*Session, error) {
	orderDate := c.now().Unix()
	amountText := amount.String()

	names := make([]string, 0, len(lines))
	counts := make([]int, 0, len(lines))
	prices := make([]json.Number, 0, len(lines))
	signed := []string{
		c.cfg.MerchantAccount,
		c.cfg.MerchantDomain,
		reference,
		strconv.FormatInt(orderDate, 10),
		amountText,
		c.cfg.Currency,
	}
	for _, l := range lines {
		names = append(names, l.Name)
		counts = append(counts, l.Count)
		prices = append(prices, json.Number(l.Price.String()))
	}
	signed = append(signed, names...)
	for _, n := range counts {
		signed = append(signed, strconv.Itoa(n))
	}
	for _, p := range prices {
		signed = append(signed, p.String())
	}

	body, err := json.Marshal(invoiceRequest{
		TransactionType:    "CREATE_INVOICE",
		MerchantAccount:    c.cfg.MerchantAccount,
		MerchantAuthType:   "SimpleSignature",
		MerchantDomainName: c.cfg.MerchantDomain,
		MerchantSignature:  c.sign(signed...),
		APIVersion:         1,
		Language:           c.cfg.Language,
		ServiceURL:         c.serviceURL,
		ReturnURL:          c.cfg.ReturnURL,
		OrderReference:     reference,
		OrderDate:          orderDate,
		Amount:             json.Number(amountText),
		Currency:           c.cfg.Currency,
		ProductName:        names,
		ProductPrice:       prices,
		ProductCount:       counts,
	})
	if err != nil {
		return nil, fmt.Errorf("encode invoice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: card invoice: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: card invoice status %d: %s", ErrProvider, resp.StatusCode, truncate(string(raw), 200))
	}

	var result invoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode card invoice: %v", ErrProvider, err)
	}
	if result.Reason != "Ok" || result.InvoiceURL == "" {
		return nil, fmt.Errorf("%w: card invoice rejected: reason=%q code=%s", ErrProvider, result.Reason, result.ReasonCode)
	}

	return &Session{RedirectURL: result.InvoiceURL}, nil
}

// CardCallback holds the fields the provider signs plus the signature.
type CardCallback struct {
	MerchantAccount   string  `json:"merchantAccount"`
	OrderReference    string  `json:"orderReference"`
	Amount            Literal `json:"amount"`
	Currency          string  `json:"currency"`
	AuthCode          string  `json:"authCode"`
	CardPan           string  `json:"cardPan"`
	TransactionStatus string  `json:"transactionStatus"`
	ReasonCode        Literal `json:"reasonCode"`
	MerchantSignature string  `json:"merchantSignature"`
}

func ParseCardCallback(raw []byte) (*CardCallback, error) {
	var cb CardCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, fmt.Errorf("decode card callback: %w", err)
	}
	return &cb, nil
}

// Verify recomputes the callback signature over the provider's fixed field
// order and compares it in constant time.
func (c *CardClient) Verify(cb *CardCallback) error {
	expected := c.sign(
		cb.MerchantAccount,
		cb.OrderReference,
		cb.Amount.String(),
		cb.Currency,
		cb.AuthCode,
		cb.CardPan,
		cb.TransactionStatus,
		cb.ReasonCode.String(),
	)
	got := strings.ToLower(strings.TrimSpace(cb.MerchantSignature))
	if got == "" || !hmac.Equal([]byte(expected), []byte(got)) {
		return ErrSignature
	}
	if cb.MerchantAccount != c.cfg.MerchantAccount {
		return ErrSignature
	}
	return nil
}

// ClassifyCard maps a card transactionStatus to an outcome.
func ClassifyCard(status string) Outcome {
	switch status {
	case "Approved":
		return OutcomeSuccess
	case "Declined", "Expired", "Voided", "Refunded":
		return OutcomeFailure
	default:
		return OutcomePending
	}
}

// CardAck is the body the provider expects back; it retries until it gets one.
type CardAck struct {
	OrderReference string `json:"orderReference"`
	Status         string `json:"status"`
	Time           int64  `json:"time"`
	Signature      string `json:"signature"`
}

func (c *CardClient) Ack(reference, status string) *CardAck {
	now := c.now().Unix()
	return &CardAck{
		OrderReference: reference,
		Status:         status,
		Time:           now,
		Signature:      c.sign(reference, status, strconv.FormatInt(now, 10)),
	}
}
