package job

import (
	"context"
	"time"

	"storefront/internal/config"

	"go.uber.org/zap"
)

// DepositExpirer fails deposits whose provider never called back.
type DepositExpirer interface {
	ExpireStaleDeposits(ctx context.Context, before time.Time, limit int) (int, error)
}

// OrderReconciler resolves balance orders stuck between the two checkout
// transactions.
type OrderReconciler interface {
	ReconcileStaleOrders(ctx context.Context, before time.Time, limit int) (int, error)
}

type DepositExpiryJob struct {
	expirer   DepositExpirer
	logger    *zap.Logger
	timeout   time.Duration
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewDepositExpiryJob(expirer DepositExpirer, cfg *config.Config, logger *zap.Logger) *DepositExpiryJob {
	return &DepositExpiryJob{
		expirer:   expirer,
		logger:    logger.With(zap.String("job", "deposit_expiry")),
		timeout:   time.Duration(cfg.Business.DepositTimeoutMinutes) * time.Minute,
		stopCh:    make(chan struct{}),
		interval:  time.Minute,
		batchSize: 100,
		now:       time.Now,
	}
}

func (j *DepositExpiryJob) Start(ctx context.Context) {
	j.logger.Info("deposit expiry job started", zap.Duration("timeout", j.timeout))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("context cancelled, deposit expiry job exiting")
			return
		case <-j.stopCh:
			j.logger.Info("deposit expiry job stopped")
			return
		case <-ticker.C:
			j.expireDeposits(ctx)
		}
	}
}

func (j *DepositExpiryJob) Stop() {
	close(j.stopCh)
}

func (j *DepositExpiryJob) expireDeposits(ctx context.Context) int {
	expired, err := j.expirer.ExpireStaleDeposits(ctx, j.now().Add(-j.timeout), j.batchSize)
	if err != nil {
		j.logger.Error("expire deposits failed", zap.Error(err))
		return 0
	}
	if expired > 0 {
		j.logger.Info("expired stale deposits", zap.Int("count", expired))
	}
	return expired
}

type OrderReconcileJob struct {
	reconciler OrderReconciler
	logger     *zap.Logger
	grace      time.Duration
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	now        func() time.Time
}

func NewOrderReconcileJob(reconciler OrderReconciler, cfg *config.Config, logger *zap.Logger) *OrderReconcileJob {
	return &OrderReconcileJob{
		reconciler: reconciler,
		logger:     logger.With(zap.String("job", "order_reconcile")),
		grace:      time.Duration(cfg.Business.OrderReconcileMinutes) * time.Minute,
		stopCh:     make(chan struct{}),
		interval:   30 * time.Second,
		batchSize:  50,
		now:        time.Now,
	}
}

func (j *OrderReconcileJob) Start(ctx context.Context) {
	j.logger.Info("order reconcile job started", zap.Duration("grace", j.grace))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("context cancelled, order reconcile job exiting")
			return
		case <-j.stopCh:
			j.logger.Info("order reconcile job stopped")
			return
		case <-ticker.C:
			j.reconcileOrders(ctx)
		}
	}
}

func (j *OrderReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *OrderReconcileJob) reconcileOrders(ctx context.Context) int {
	resolved, err := j.reconciler.ReconcileStaleOrders(ctx, j.now().Add(-j.grace), j.batchSize)
	if err != nil {
		j.logger.Error("reconcile orders failed", zap.Error(err))
		return 0
	}
	if resolved > 0 {
		j.logger.Warn("reconciled stale orders", zap.Int("count", resolved))
	}
	return resolved
}
