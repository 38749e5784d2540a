// Package validation turns raw request bodies into typed, bounded requests.
// It performs no I/O.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Error carries the first failing constraint. Message is safe to show to clients.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(field, format string, args ...interface{}) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PaymentMethods is the closed set accepted at checkout.
var PaymentMethods = []string{"balance", "card", "usdt"}

// ProductRef keeps only the product id. Display fields the client sends along
// with the cart, price included, are discarded while decoding.
type ProductRef struct {
	ID string `validate:"required,max=64,printascii"`
}

func (p *ProductRef) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.ID = strings.TrimSpace(raw.ID)
	return nil
}

type OrderItem struct {
	Product  ProductRef `json:"product"`
	Quantity int        `json:"quantity"`
}

type OrderRequest struct {
	Items         []OrderItem `json:"items"`
	PaymentMethod string      `json:"paymentMethod"`
}

type DepositRequest struct {
	Amount decimal.Decimal
}

type Limits struct {
	MaxItems    int
	MaxQuantity int
	MaxDeposit  decimal.Decimal
}

type Validator struct {
	limits   Limits
	validate *validator.Validate
}

func New(limits Limits) *Validator {
	return &Validator{
		limits:   limits,
		validate: validator.New(),
	}
}

// ValidateOrderRequest decodes and checks a checkout body.
func (v *Validator) ValidateOrderRequest(raw []byte) (*OrderRequest, error) {
	var req OrderRequest
	if err := decodeStrict(raw, &req); err != nil {
		return nil, err
	}

	if err := v.validate.Var(len(req.Items), fmt.Sprintf("min=1,max=%d", v.limits.MaxItems)); err != nil {
		return nil, newError("items", "items must contain between 1 and %d entries", v.limits.MaxItems)
	}

	for i, item := range req.Items {
		field := fmt.Sprintf("items[%d].product.id", i)
		if err := v.validate.Struct(item.Product); err != nil {
			return nil, productIDError(field, err)
		}

		field = fmt.Sprintf("items[%d].quantity", i)
		if err := v.validate.Var(item.Quantity, fmt.Sprintf("min=1,max=%d", v.limits.MaxQuantity)); err != nil {
			return nil, newError(field, "%s must be between 1 and %d", field, v.limits.MaxQuantity)
		}
	}

	if err := v.validate.Var(req.PaymentMethod, "required,oneof="+strings.Join(PaymentMethods, " ")); err != nil {
		return nil, newError("paymentMethod", "paymentMethod must be one of: %s", strings.Join(PaymentMethods, ", "))
	}

	return &req, nil
}

func productIDError(field string, err error) *Error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		switch fieldErrs[0].Tag() {
		case "max":
			return newError(field, "%s must be at most 64 characters", field)
		case "printascii":
			return newError(field, "%s contains invalid characters", field)
		}
	}
	return newError(field, "%s is required", field)
}

// ValidateDepositRequest checks a payment initiation body {amount}.
func (v *Validator) ValidateDepositRequest(raw []byte) (*DepositRequest, error) {
	var body struct {
		Amount json.Number `json:"amount"`
	}
	if err := decodeStrict(raw, &body); err != nil {
		return nil, err
	}
	if body.Amount == "" {
		return nil, newError("amount", "amount is required")
	}

	amount, err := decimal.NewFromString(body.Amount.String())
	if err != nil {
		return nil, newError("amount", "amount must be a number")
	}
	if !amount.IsPositive() {
		return nil, newError("amount", "amount must be greater than 0")
	}
	if !amount.Equal(amount.Round(2)) {
		return nil, newError("amount", "amount must have at most 2 decimal places")
	}
	if amount.GreaterThan(v.limits.MaxDeposit) {
		return nil, newError("amount", "amount must not exceed %s", v.limits.MaxDeposit.StringFixed(2))
	}

	return &DepositRequest{Amount: amount}, nil
}

// decodeStrict rejects unknown fields, type mismatches and trailing data.
func decodeStrict(raw []byte, dst interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return newError("", "request body must contain a single JSON object")
	}
	return nil
}

func decodeError(err error) *Error {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError

	switch {
	case errors.Is(err, io.EOF):
		return newError("", "request body is empty")
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		return newError("", "request body is not valid JSON")
	case errors.As(err, &typeErr):
		if typeErr.Field == "" {
			return newError("", "request body must be a JSON object")
		}
		return newError(typeErr.Field, "%s has an invalid type", typeErr.Field)
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		name := strings.TrimPrefix(err.Error(), "json: unknown field ")
		return newError(strings.Trim(name, `"`), "unknown field %s", name)
	default:
		return newError("", "request body is not valid JSON")
	}
}
