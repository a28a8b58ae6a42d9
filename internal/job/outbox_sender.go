package job

import (
	"context"
	"strconv"
	"time"

	"mlmledger/internal/config"
	"mlmledger/internal/infrastructure/metrics"
	"mlmledger/internal/infrastructure/mq"
	"mlmledger/internal/model"
	"mlmledger/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// messageNamespace scopes the deterministic message ids consumers dedupe on.
var messageNamespace = uuid.MustParse("6f1c2b8e-3d4a-5e6f-8a9b-0c1d2e3f4a5b")

// OutboxSender relays PENDING outbox rows to Kafka in id order. A row is
// marked SENT only after the broker acknowledged it, so delivery is at least
// once; the message_id header lets consumers drop the duplicates.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config, publisher mq.Publisher) *OutboxSender {
	interval := cfg.Business.OutboxInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	batchSize := cfg.Business.OutboxBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  batchSize,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Info().Str("section", "outbox").Dur("interval", s.interval).Msg("outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("section", "outbox").Msg("outbox sender stopped by context")
			return
		case <-s.stopCh:
			log.Info().Str("section", "outbox").Msg("outbox sender stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// processPendingMessages sends one batch and returns how many were sent.
// It stops at the first failure so a topic's messages keep their order.
func (s *OutboxSender) processPendingMessages(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Error().Err(err).Str("section", "outbox").Msg("load pending messages")
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if !s.sendMessage(ctx, msg) {
			break
		}
		sent++
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	headers := map[string]string{
		"event_type": msg.EventType,
		"message_id": MessageID(msg),
	}
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload, headers)
	if err == nil {
		metrics.OutboxSent.WithLabelValues(msg.Topic, "sent").Inc()
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			log.Error().Err(updateErr).Str("section", "outbox").Int64("id", msg.ID).Msg("mark message sent")
			return false
		}
		log.Debug().
			Str("section", "outbox").
			Int64("id", msg.ID).
			Str("topic", msg.Topic).
			Str("key", msg.MessageKey).
			Msg("message sent")
		return true
	}

	metrics.OutboxSent.WithLabelValues(msg.Topic, "failed").Inc()
	parked, recErr := s.outboxRepo.RecordFailure(ctx, msg, s.cfg.Business.MaxRetryCount)
	if recErr != nil {
		log.Error().Err(recErr).Str("section", "outbox").Int64("id", msg.ID).Msg("record send failure")
		return false
	}
	event := log.Warn()
	if parked {
		event = log.Error()
	}
	event.Err(err).
		Str("section", "outbox").
		Int64("id", msg.ID).
		Int("retry_count", msg.RetryCount+1).
		Bool("parked", parked).
		Msg("message send failed")
	// a parked message no longer blocks the ones behind it
	return parked
}

// MessageID is stable for a given outbox row, so a resend carries the same id.
func MessageID(msg *model.OutboxMessage) string {
	return uuid.NewSHA1(messageNamespace, []byte(msg.Topic+"|"+msg.MessageKey+"|"+strconv.FormatInt(msg.ID, 10))).String()
}
