package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storefront/internal/config"
	"storefront/internal/model"
	"storefront/internal/repository"
	"storefront/internal/testutil"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{Business: config.BusinessConfig{
		DepositTimeoutMinutes: 60,
		OrderReconcileMinutes: 5,
		MaxRetryCount:         2,
	}}
}

func TestOutboxSender_MarksSentAndRetries(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	repo := repository.NewOutboxRepository(db)
	require.NoError(t, repo.Enqueue(ctx, nil, "order_events", "ORD1", map[string]string{"event": "order.completed"}))
	require.NoError(t, repo.Enqueue(ctx, nil, "deposit_events", "deposit_x", map[string]string{"event": "deposit.failed"}))

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sender := NewOutboxSender(db, producer, testConfig(), zap.NewNop())

	sender.processPendingMessages(ctx)
	pending, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "deposit_x", pending[0].MessageKey)
	assert.Equal(t, 1, pending[0].RetryCount)

	// the second failure reaches MaxRetryCount
	sender.processPendingMessages(ctx)
	pending, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	failed, err := repo.GetFailedMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].RetryCount)

	var sent int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Where("status = ?", model.OutboxStatusSent).Count(&sent).Error)
	assert.Equal(t, int64(1), sent)

	assert.NoError(t, producer.Close())
}

type fakeSweeper struct {
	mu     sync.Mutex
	before []time.Time
	limit  int
	n      int
	err    error
}

func (f *fakeSweeper) sweep(before time.Time, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before = append(f.before, before)
	f.limit = limit
	return f.n, f.err
}

func (f *fakeSweeper) ExpireStaleDeposits(_ context.Context, before time.Time, limit int) (int, error) {
	return f.sweep(before, limit)
}

func (f *fakeSweeper) ReconcileStaleOrders(_ context.Context, before time.Time, limit int) (int, error) {
	return f.sweep(before, limit)
}

func (f *fakeSweeper) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.before)
}

func TestDepositExpiryJob_UsesTimeoutCutoff(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	fake := &fakeSweeper{n: 3}
	j := NewDepositExpiryJob(fake, testConfig(), zap.NewNop())
	j.now = func() time.Time { return now }

	assert.Equal(t, 3, j.expireDeposits(context.Background()))
	require.Len(t, fake.before, 1)
	assert.Equal(t, now.Add(-time.Hour), fake.before[0])
	assert.Equal(t, 100, fake.limit)

	fake.err = errors.New("db down")
	assert.Zero(t, j.expireDeposits(context.Background()))
}

func TestOrderReconcileJob_UsesGraceCutoff(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	fake := &fakeSweeper{n: 1}
	j := NewOrderReconcileJob(fake, testConfig(), zap.NewNop())
	j.now = func() time.Time { return now }

	assert.Equal(t, 1, j.reconcileOrders(context.Background()))
	require.Len(t, fake.before, 1)
	assert.Equal(t, now.Add(-5*time.Minute), fake.before[0])
	assert.Equal(t, 50, fake.limit)
}

func TestJobs_StopOnContextAndStop(t *testing.T) {
	fake := &fakeSweeper{}
	expiry := NewDepositExpiryJob(fake, testConfig(), zap.NewNop())
	expiry.interval = 5 * time.Millisecond
	reconcile := NewOrderReconcileJob(fake, testConfig(), zap.NewNop())
	reconcile.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { expiry.Start(ctx); done <- struct{}{} }()
	go func() { reconcile.Start(context.Background()); done <- struct{}{} }()

	assert.Eventually(t, func() bool { return fake.calls() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	reconcile.Stop()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("job did not stop")
		}
	}
}
