package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"storefront/internal/gateway"
	"storefront/internal/model"
	"storefront/internal/service"
	"storefront/internal/validation"
	"storefront/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

type Handler struct {
	orderService   *service.OrderService
	paymentService *service.PaymentService
	refundService  *service.RefundService
	accountService *service.AccountService
	logger         *zap.Logger
}

func NewHandler(
	orderService *service.OrderService,
	paymentService *service.PaymentService,
	refundService *service.RefundService,
	accountService *service.AccountService,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		orderService:   orderService,
		paymentService: paymentService,
		refundService:  refundService,
		accountService: accountService,
		logger:         logger,
	}
}

// ============================================================
// Orders
// ============================================================

// CreateOrder runs the checkout pipeline.
// POST /api/v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}

	result, err := h.orderService.CreateOrder(c.Request.Context(), requestMeta(c), raw)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, result)
}

// GET /api/v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusNotFound, service.ErrOrderNotFound.Error())
		return
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), currentUser(c), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, order)
}

// GET /api/v1/orders?page=1&page_size=10
func (h *Handler) ListOrders(c *gin.Context) {
	page, pageSize := pagination(c)

	orders, total, err := h.orderService.ListOrders(c.Request.Context(), currentUser(c), page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// RefundOrder returns a completed order's amount to the buyer's balance.
// POST /api/v1/admin/orders/:id/refund
func (h *Handler) RefundOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusNotFound, service.ErrOrderNotFound.Error())
		return
	}

	var req service.RefundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			response.ParamError(c, "invalid refund request")
			return
		}
	}

	result, err := h.refundService.Refund(c.Request.Context(), currentUser(c), orderID, &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// Balance
// ============================================================

// GET /api/v1/balance
func (h *Handler) GetBalance(c *gin.Context) {
	view, err := h.accountService.GetBalance(c.Request.Context(), currentUser(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, view)
}

// GET /api/v1/balance/transactions?page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	page, pageSize := pagination(c)

	rows, total, err := h.accountService.ListTransactions(c.Request.Context(), currentUser(c), page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      rows,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// Payments
// ============================================================

// InitiateCardPayment opens a card invoice for a balance top-up.
// POST /api/v1/payments/card
func (h *Handler) InitiateCardPayment(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}

	result, err := h.paymentService.InitiateDeposit(c.Request.Context(), requestMeta(c), model.PaymentMethodCard, raw)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"url":      result.RedirectURL,
		"order_id": result.Reference,
	})
}

// InitiateCryptoPayment opens a crypto payment for a balance top-up.
// POST /api/v1/payments/crypto
func (h *Handler) InitiateCryptoPayment(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}

	result, err := h.paymentService.InitiateDeposit(c.Request.Context(), requestMeta(c), model.PaymentMethodUSDT, raw)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, result)
}

// CardCallback answers with the signed ack the provider expects.
// POST /api/v1/payments/card/callback
func (h *Handler) CardCallback(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}

	ack, err := h.paymentService.HandleCardCallback(c.Request.Context(), callbackMeta(c), raw)
	if err != nil {
		h.writeCallbackError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

// CryptoCallback acknowledges every verified IPN with {"status":"ok"}.
// POST /api/v1/payments/crypto/callback
func (h *Handler) CryptoCallback(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}

	err := h.paymentService.HandleCryptoCallback(c.Request.Context(), callbackMeta(c), raw, c.GetHeader(gateway.SignatureHeader))
	if err != nil {
		h.writeCallbackError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ============================================================
// Helpers
// ============================================================

// writeError maps the service taxonomy to HTTP. Internal detail stays in
// the server log.
func (h *Handler) writeError(c *gin.Context, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		response.ErrorWithDetails(c, http.StatusBadRequest, verr.Message, verr.Field)
	case errors.Is(err, service.ErrProductNotFound):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrInsufficientFunds),
		errors.Is(err, service.ErrGatewayDisabled):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrUnauthorized):
		response.Unauthorized(c, "Unauthorized")
	case errors.Is(err, service.ErrForbidden):
		response.Error(c, http.StatusForbidden, "Forbidden")
	case errors.Is(err, service.ErrOrderNotFound):
		response.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrCheckoutInProgress),
		errors.Is(err, service.ErrOrderNotRefundable):
		response.Error(c, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrRateLimited):
		response.TooManyRequests(c, err.Error())
	case errors.Is(err, service.ErrProviderUnavailable):
		response.Error(c, http.StatusBadGateway, service.ErrProviderUnavailable.Error())
	default:
		h.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.Error(err),
		)
		response.ServerError(c)
	}
}

// writeCallbackError never says why a callback was refused.
func (h *Handler) writeCallbackError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSignatureInvalid):
		response.ParamError(c, "Invalid request")
	case errors.Is(err, service.ErrGatewayDisabled):
		response.Error(c, http.StatusNotFound, "Not found")
	default:
		h.logger.Error("callback processing failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		response.ServerError(c)
	}
}

func readBody(c *gin.Context) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		response.ParamError(c, "unreadable request body")
		return nil, false
	}
	return raw, true
}

func currentUser(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(ctxUserID); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}

func requestMeta(c *gin.Context) service.RequestMeta {
	return service.RequestMeta{
		UserID:    currentUser(c),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		RequestID: c.GetString(ctxRequestID),
	}
}

func callbackMeta(c *gin.Context) service.CallbackMeta {
	return service.CallbackMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

func pagination(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if err != nil || pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	return page, pageSize
}
