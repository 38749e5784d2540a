package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"storefront/internal/config"
	"storefront/internal/gateway"
	"storefront/internal/handler"
	"storefront/internal/infrastructure/cache"
	"storefront/internal/infrastructure/database"
	"storefront/internal/infrastructure/mq"
	"storefront/internal/job"
	"storefront/internal/ratelimit"
	"storefront/internal/service"
	"storefront/internal/validation"
	"storefront/pkg/idgen"
	"storefront/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("STOREFRONT_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zapLogger, err := logger.New(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zapLogger.Sync()

	if err := idgen.Init(1); err != nil {
		zapLogger.Fatal("init id generator", zap.Error(err))
	}

	db, err := database.Open(&cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("open database", zap.Error(err))
	}

	if cfg.Catalog.SeedOnStart {
		if _, err := service.SeedCatalog(context.Background(), db, cfg.Catalog.Products, zapLogger); err != nil {
			zapLogger.Fatal("seed catalog", zap.Error(err))
		}
	}

	redisClient, err := cache.Open(&cfg.Redis)
	if err != nil {
		zapLogger.Fatal("open redis", zap.Error(err))
	}
	defer redisClient.Close()

	producer, err := mq.NewProducer(&cfg.Kafka)
	if err != nil {
		zapLogger.Fatal("open kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// services
	limiter := ratelimit.New(redisClient, zapLogger)
	validator := validation.New(validation.Limits{
		MaxItems:    cfg.Business.MaxOrderItems,
		MaxQuantity: cfg.Business.MaxItemQuantity,
		MaxDeposit:  decimal.NewFromInt(cfg.Business.MaxDepositAmount),
	})
	ledger := service.NewLedger(db, zapLogger)
	audit := service.NewAuditRecorder(db, zapLogger)

	publicURL := strings.TrimRight(cfg.Server.PublicURL, "/")
	var card *gateway.CardClient
	if cfg.Gateways.Card.Enabled {
		card = gateway.NewCardClient(cfg.Gateways.Card, publicURL+"/api/v1/payments/card/callback", cfg.Gateways.Timeout)
	}
	var crypto *gateway.CryptoClient
	if cfg.Gateways.Crypto.Enabled {
		crypto = gateway.NewCryptoClient(cfg.Gateways.Crypto, publicURL+"/api/v1/payments/crypto/callback", cfg.Gateways.Timeout)
	}

	payments := service.NewPaymentService(db, cfg, zapLogger, limiter, validator, ledger, audit, card, crypto)
	pricing := service.NewPriceAuthority(db, cfg.Business.VeteranDiscountPercent, cfg.Business.MaxItemQuantity)
	orders := service.NewOrderService(db, redisClient, cfg, zapLogger, limiter, validator, pricing, ledger, payments, audit)
	refunds := service.NewRefundService(db, redisClient, cfg, zapLogger, ledger)
	accounts := service.NewAccountService(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// background jobs
	outboxSender := job.NewOutboxSender(db, producer, cfg, zapLogger)
	go outboxSender.Start(ctx)

	depositExpiry := job.NewDepositExpiryJob(payments, cfg, zapLogger)
	go depositExpiry.Start(ctx)

	orderReconcile := job.NewOrderReconcileJob(orders, cfg, zapLogger)
	go orderReconcile.Start(ctx)

	h := handler.NewHandler(orders, payments, refunds, accounts, zapLogger)
	router := handler.SetupRouter(ctx, h, limiter, cfg, zapLogger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zapLogger.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down")

	// stop the jobs before draining in-flight requests
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("server shutdown", zap.Error(err))
	}

	zapLogger.Info("server stopped")
}
