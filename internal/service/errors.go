package service

import "errors"

// Errors surfaced to handlers. Messages are safe to show to clients; the
// wrapped cause is logged server side only.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrRateLimited         = errors.New("too many requests, please try again later")
	ErrCheckoutInProgress  = errors.New("another checkout is in progress")
	ErrProductNotFound     = errors.New("product not found")
	ErrInsufficientFunds   = errors.New("insufficient balance")
	ErrSignatureInvalid    = errors.New("invalid signature")
	ErrProviderUnavailable = errors.New("payment creation failed")
	ErrInvalidReference    = errors.New("invalid order reference")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotRefundable  = errors.New("order cannot be refunded")
	ErrGatewayDisabled     = errors.New("payment method is not available")
	ErrInternal            = errors.New("internal error")
)
