package service

import (
	"context"
	"errors"

	"storefront/internal/model"
	"storefront/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// purchaseSettler completes a pending order against the buyer's balance.
// Both the balance checkout and direct gateway payments go through it.
type purchaseSettler struct {
	ledger          *Ledger
	orderRepo       *repository.OrderRepository
	outboxRepo      *repository.OutboxRepository
	orderTopic      string
	cashbackPercent decimal.Decimal
}

// complete debits the final amount, moves the order to completed, credits
// cashback and queues order.completed, all inside tx. It returns false when
// the balance no longer covers the order; nothing is written in that case.
func (p *purchaseSettler) complete(ctx context.Context, tx *gorm.DB, order *model.Order, method string) (bool, error) {
	orderID := order.ID
	ok, _, err := p.ledger.Debit(ctx, tx, LedgerEntry{
		UserID:        order.UserID,
		OrderID:       &orderID,
		Amount:        order.FinalAmount,
		Type:          model.TransactionTypePurchase,
		PaymentMethod: method,
		Description:   "Order #" + order.OrderNo,
	})
	if err != nil || !ok {
		return ok, err
	}

	if err := p.orderRepo.UpdateStatus(ctx, tx, order.ID, model.OrderStatusPending, model.OrderStatusCompleted); err != nil {
		return false, err
	}

	if p.cashbackPercent.IsPositive() {
		cashback := DiscountFor(order.FinalAmount, p.cashbackPercent)
		if cashback.IsPositive() {
			if _, err := p.ledger.Credit(ctx, tx, LedgerEntry{
				UserID:      order.UserID,
				OrderID:     &orderID,
				Amount:      cashback,
				Type:        model.TransactionTypeCashback,
				Description: "Cashback for order #" + order.OrderNo,
			}); err != nil {
				return false, err
			}
		}
	}

	if err := p.outboxRepo.Enqueue(ctx, tx, p.orderTopic, order.OrderNo,
		orderEvent(model.EventOrderCompleted, order, model.OrderStatusCompleted)); err != nil {
		return false, err
	}

	order.PaymentStatus = model.OrderStatusCompleted
	return true, nil
}

// fail moves a pending order to failed and queues order.failed. An order
// that already left pending is left alone.
func (p *purchaseSettler) fail(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	err := p.orderRepo.UpdateStatus(ctx, tx, order.ID, model.OrderStatusPending, model.OrderStatusFailed)
	if err != nil {
		if errors.Is(err, repository.ErrOrderStatusInvalid) {
			return nil
		}
		return err
	}
	order.PaymentStatus = model.OrderStatusFailed
	return p.outboxRepo.Enqueue(ctx, tx, p.orderTopic, order.OrderNo,
		orderEvent(model.EventOrderFailed, order, model.OrderStatusFailed))
}
