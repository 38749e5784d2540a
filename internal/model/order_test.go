package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionTo(t *testing.T) {
	assert.True(t, CanTransitionTo(OrderStatusPending, OrderStatusCompleted))
	assert.True(t, CanTransitionTo(OrderStatusPending, OrderStatusFailed))
	assert.True(t, CanTransitionTo(OrderStatusCompleted, OrderStatusRefunded))

	assert.False(t, CanTransitionTo(OrderStatusCompleted, OrderStatusFailed))
	assert.False(t, CanTransitionTo(OrderStatusFailed, OrderStatusCompleted))
	assert.False(t, CanTransitionTo(OrderStatusPending, OrderStatusRefunded))
	assert.False(t, CanTransitionTo(OrderStatusRefunded, OrderStatusPending))
}

func TestIsExternalMethod(t *testing.T) {
	assert.True(t, IsExternalMethod(PaymentMethodCard))
	assert.True(t, IsExternalMethod(PaymentMethodUSDT))
	assert.False(t, IsExternalMethod(PaymentMethodBalance))
	assert.False(t, IsExternalMethod("paypal"))
}
