package handler

import (
	"context"
	"time"

	"storefront/internal/config"
	"storefront/internal/ratelimit"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	callbackLimiterSweep = time.Minute
	callbackLimiterIdle  = 10 * time.Minute
)

// SetupRouter wires middleware and routes. Background upkeep stops with ctx.
func SetupRouter(ctx context.Context, h *Handler, limiter *ratelimit.Limiter, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// X-Forwarded-For is only honoured from configured proxies
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.Error("invalid trusted proxies, trusting none", zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}

	r.Use(RecoveryMiddleware(logger))
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	auth := AuthMiddleware([]byte(cfg.Auth.JWTSecret))
	reads := PolicyMiddleware(limiter, ratelimit.PolicyFrom(ratelimit.Read, cfg.RateLimit.Read), logger)
	callbacks := NewIPRateLimiter(rate.Limit(cfg.Server.CallbackRPS), cfg.Server.CallbackBurst)
	go callbacks.RunCleanup(ctx, callbackLimiterSweep, callbackLimiterIdle)

	api := r.Group("/api/v1")
	{
		// write endpoints are rate limited inside their pipelines
		orders := api.Group("/orders", auth)
		{
			orders.POST("", h.CreateOrder)
			orders.GET("", reads, h.ListOrders)
			orders.GET("/:id", reads, h.GetOrder)
		}

		balance := api.Group("/balance", auth, reads)
		{
			balance.GET("", h.GetBalance)
			balance.GET("/transactions", h.ListTransactions)
		}

		payments := api.Group("/payments")
		{
			payments.POST("/card", auth, h.InitiateCardPayment)
			payments.POST("/crypto", auth, h.InitiateCryptoPayment)

			// provider callbacks carry no bearer token; the signature is the credential
			payments.POST("/card/callback", callbacks.Middleware(), h.CardCallback)
			payments.POST("/crypto/callback", callbacks.Middleware(), h.CryptoCallback)
		}

		admin := api.Group("/admin", auth, RequireAdmin())
		{
			admin.POST("/orders/:id/refund", h.RefundOrder)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
