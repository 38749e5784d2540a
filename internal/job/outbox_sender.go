package job

import (
	"context"
	"time"

	"storefront/internal/config"
	"storefront/internal/infrastructure/mq"
	"storefront/internal/model"
	"storefront/internal/repository"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxSender relays committed outbox rows to Kafka. Delivery is at least
// once; consumers dedupe on the message key.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	producer   sarama.SyncProducer
	logger     *zap.Logger
	maxRetries int
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, producer sarama.SyncProducer, cfg *config.Config, logger *zap.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		producer:   producer,
		logger:     logger.With(zap.String("job", "outbox_sender")),
		maxRetries: cfg.Business.MaxRetryCount,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context cancelled, outbox sender exiting")
			return
		case <-s.stopCh:
			s.logger.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("load pending messages failed", zap.Error(err))
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	log := s.logger.With(
		zap.Int64("id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.String("key", msg.MessageKey),
	)

	err := mq.SendMessage(s.producer, msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if err := s.outboxRepo.MarkSent(ctx, msg.ID); err != nil {
			log.Error("mark message sent failed", zap.Error(err))
			return
		}
		log.Debug("message sent")
		return
	}

	log.Warn("send message failed", zap.Int("retry_count", msg.RetryCount), zap.Error(err))
	if err := s.outboxRepo.RecordFailure(ctx, msg, s.maxRetries); err != nil {
		log.Error("record send failure failed", zap.Error(err))
		return
	}
	if msg.RetryCount+1 >= s.maxRetries {
		log.Error("message exceeded max retries, marked failed")
	}
}
