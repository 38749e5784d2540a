package service

import (
	"time"

	"storefront/internal/model"
)

type OrderEvent struct {
	Event         string    `json:"event"`
	OrderID       string    `json:"order_id"`
	OrderNo       string    `json:"order_no"`
	UserID        string    `json:"user_id"`
	FinalAmount   string    `json:"final_amount"`
	PaymentMethod string    `json:"payment_method"`
	Status        string    `json:"status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type DepositEvent struct {
	Event      string    `json:"event"`
	Reference  string    `json:"reference"`
	UserID     string    `json:"user_id"`
	Amount     string    `json:"amount"`
	Provider   string    `json:"provider"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

func orderEvent(event string, order *model.Order, status string) OrderEvent {
	return OrderEvent{
		Event:         event,
		OrderID:       order.ID.String(),
		OrderNo:       order.OrderNo,
		UserID:        order.UserID.String(),
		FinalAmount:   order.FinalAmount.StringFixed(2),
		PaymentMethod: order.PaymentMethod,
		Status:        status,
		OccurredAt:    time.Now().UTC(),
	}
}

func depositEvent(event string, deposit *model.Deposit, status string) DepositEvent {
	return DepositEvent{
		Event:      event,
		Reference:  deposit.Reference,
		UserID:     deposit.UserID.String(),
		Amount:     deposit.Amount.StringFixed(2),
		Provider:   deposit.Provider,
		Status:     status,
		OccurredAt: time.Now().UTC(),
	}
}
