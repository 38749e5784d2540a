package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator() *Validator {
	return New(Limits{MaxItems: 50, MaxQuantity: 100, MaxDeposit: decimal.NewFromInt(100000)})
}

func TestValidateOrderRequest_Valid(t *testing.T) {
	req, err := newValidator().ValidateOrderRequest([]byte(
		`{"items":[{"product":{"id":"vip-1","name":"VIP","price":0.01},"quantity":2}],"paymentMethod":"balance"}`,
	))
	require.NoError(t, err)
	require.Len(t, req.Items, 1)
	assert.Equal(t, "vip-1", req.Items[0].Product.ID)
	assert.Equal(t, 2, req.Items[0].Quantity)
	assert.Equal(t, "balance", req.PaymentMethod)
}

func TestValidateOrderRequest_Rejects(t *testing.T) {
	manyItems := `{"items":[` + strings.TrimSuffix(strings.Repeat(`{"product":{"id":"a"},"quantity":1},`, 51), ",") + `],"paymentMethod":"card"}`

	tests := []struct {
		name    string
		body    string
		field   string
		message string
	}{
		{"empty body", ``, "", "request body is empty"},
		{"not json", `{items`, "", "request body is not valid JSON"},
		{"array body", `[]`, "", "request body must be a JSON object"},
		{"trailing data", `{"items":[],"paymentMethod":"card"}{}`, "", "request body must contain a single JSON object"},
		{"unknown top-level field", `{"items":[],"paymentMethod":"card","total":1}`, "total", `unknown field "total"`},
		{"unknown item field", `{"items":[{"product":{"id":"a"},"quantity":1,"price":1}],"paymentMethod":"card"}`, "price", `unknown field "price"`},
		{"no items", `{"items":[],"paymentMethod":"card"}`, "items", "items must contain between 1 and 50 entries"},
		{"too many items", manyItems, "items", "items must contain between 1 and 50 entries"},
		{"missing product id", `{"items":[{"product":{},"quantity":1}],"paymentMethod":"card"}`, "items[0].product.id", "items[0].product.id is required"},
		{"blank product id", `{"items":[{"product":{"id":"  "},"quantity":1}],"paymentMethod":"card"}`, "items[0].product.id", "items[0].product.id is required"},
		{"long product id", `{"items":[{"product":{"id":"` + strings.Repeat("x", 65) + `"},"quantity":1}],"paymentMethod":"card"}`, "items[0].product.id", "items[0].product.id must be at most 64 characters"},
		{"zero quantity", `{"items":[{"product":{"id":"a"},"quantity":0}],"paymentMethod":"card"}`, "items[0].quantity", "items[0].quantity must be between 1 and 100"},
		{"quantity too large", `{"items":[{"product":{"id":"a"},"quantity":101}],"paymentMethod":"card"}`, "items[0].quantity", "items[0].quantity must be between 1 and 100"},
		{"fractional quantity", `{"items":[{"product":{"id":"a"},"quantity":1.5}],"paymentMethod":"card"}`, "items.quantity", "items.quantity has an invalid type"},
		{"unknown payment method", `{"items":[{"product":{"id":"a"},"quantity":1}],"paymentMethod":"paypal"}`, "paymentMethod", "paymentMethod must be one of: balance, card, usdt"},
		{"missing payment method", `{"items":[{"product":{"id":"a"},"quantity":1}]}`, "paymentMethod", "paymentMethod must be one of: balance, card, usdt"},
	}

	v := newValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateOrderRequest([]byte(tt.body))
			var vErr *Error
			require.True(t, errors.As(err, &vErr), "got %v", err)
			assert.Equal(t, tt.field, vErr.Field)
			assert.Equal(t, tt.message, vErr.Message)
		})
	}
}

func TestValidateOrderRequest_ReportsFirstFailure(t *testing.T) {
	_, err := newValidator().ValidateOrderRequest([]byte(
		`{"items":[{"product":{"id":"a"},"quantity":1},{"product":{"id":""},"quantity":0}],"paymentMethod":"x"}`,
	))
	var vErr *Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "items[1].product.id", vErr.Field)
}

func TestValidateDepositRequest(t *testing.T) {
	v := newValidator()

	req, err := v.ValidateDepositRequest([]byte(`{"amount":150.5}`))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("150.50").Equal(req.Amount))

	req, err = v.ValidateDepositRequest([]byte(`{"amount":"200"}`))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(200).Equal(req.Amount))

	for body, message := range map[string]string{
		`{}`:                   "amount is required",
		`{"amount":0}`:         "amount must be greater than 0",
		`{"amount":-5}`:        "amount must be greater than 0",
		`{"amount":1.005}`:     "amount must have at most 2 decimal places",
		`{"amount":100000.01}`: "amount must not exceed 100000.00",
		`{"amount":1,"x":1}`:   `unknown field "x"`,
	} {
		_, err := v.ValidateDepositRequest([]byte(body))
		var vErr *Error
		require.ErrorAs(t, err, &vErr, body)
		assert.Equal(t, message, vErr.Message, body)
	}
}
