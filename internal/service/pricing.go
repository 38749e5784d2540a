package service

import (
	"context"
	"errors"
	"fmt"

	"storefront/internal/repository"
	"storefront/internal/validation"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

// QuoteLine is one priced cart line, taken from the catalog.
type QuoteLine struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
	LineTotal decimal.Decimal
}

// Quote is the server-side price of a cart.
// Final always equals Total minus Discount.
type Quote struct {
	Lines    []QuoteLine
	Total    decimal.Decimal
	Discount decimal.Decimal
	Final    decimal.Decimal
	Veteran  bool
}

// PriceAuthority prices carts from the catalog and the buyer's eligibility.
// Client-supplied prices never reach it.
type PriceAuthority struct {
	productRepo     *repository.ProductRepository
	accountRepo     *repository.AccountRepository
	discountPercent decimal.Decimal
	maxQuantity     int
}

func NewPriceAuthority(db *gorm.DB, veteranDiscountPercent, maxQuantity int) *PriceAuthority {
	return &PriceAuthority{
		productRepo:     repository.NewProductRepository(db),
		accountRepo:     repository.NewAccountRepository(db),
		discountPercent: decimal.NewFromInt(int64(veteranDiscountPercent)),
		maxQuantity:     maxQuantity,
	}
}

// Price fails as a whole when any product is unknown or inactive. Repeated
// product ids are merged into one line.
func (p *PriceAuthority) Price(ctx context.Context, items []validation.OrderItem, userID uuid.UUID) (*Quote, error) {
	ids := make([]string, 0, len(items))
	quantities := make(map[string]int, len(items))
	for _, item := range items {
		id := item.Product.ID
		if _, seen := quantities[id]; !seen {
			ids = append(ids, id)
		}
		quantities[id] += item.Quantity
		if quantities[id] > p.maxQuantity {
			return nil, &validation.Error{
				Field:   "items",
				Message: fmt.Sprintf("total quantity of %s must not exceed %d", id, p.maxQuantity),
			}
		}
	}

	products, err := p.productRepo.GetActiveByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	quote := &Quote{
		Lines: make([]QuoteLine, 0, len(ids)),
		Total: decimal.Zero,
	}
	for _, id := range ids {
		product, ok := products[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, id)
		}
		qty := quantities[id]
		lineTotal := product.Price.Mul(decimal.NewFromInt(int64(qty))).Round(2)
		quote.Lines = append(quote.Lines, QuoteLine{
			ProductID: product.ID,
			Name:      product.Name,
			UnitPrice: product.Price,
			Quantity:  qty,
			LineTotal: lineTotal,
		})
		quote.Total = quote.Total.Add(lineTotal)
	}

	veteran, err := p.isVeteran(ctx, userID)
	if err != nil {
		return nil, err
	}
	quote.Veteran = veteran

	quote.Discount = decimal.Zero
	if veteran {
		quote.Discount = DiscountFor(quote.Total, p.discountPercent)
	}
	quote.Final = quote.Total.Sub(quote.Discount)
	return quote, nil
}

func (p *PriceAuthority) isVeteran(ctx context.Context, userID uuid.UUID) (bool, error) {
	account, err := p.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load account: %w", err)
	}
	return account.IsVeteran, nil
}

// DiscountFor is percent of total, rounded half-up to 2 places.
func DiscountFor(total, percent decimal.Decimal) decimal.Decimal {
	return total.Mul(percent).Div(hundred).Round(2)
}
