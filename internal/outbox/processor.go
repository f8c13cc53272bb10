package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"exchange/internal/domain"
	kafkaInfra "exchange/internal/infrastructure/kafka"
	"exchange/internal/repository/ledger_repo"
)

const defaultBatchSize = 10

// Processor relays pending outbox messages to a Kafka topic. A message is
// marked sent only after the producer reported success, so delivery is
// at-least-once.
type Processor struct {
	store        ledger_repo.OutboxStore
	producer     kafkaInfra.Producer
	topic        string
	pollInterval time.Duration
	pollTimeout  time.Duration
	batchSize    int
	logger       *zap.Logger
}

func NewProcessor(
	store ledger_repo.OutboxStore,
	producer kafkaInfra.Producer,
	topic string,
	pollInterval time.Duration,
	pollTimeout time.Duration,
	batchSize int,
	logger *zap.Logger,
) *Processor {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Processor{
		store:        store,
		producer:     producer,
		topic:        topic,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		batchSize:    batchSize,
		logger:       logger,
	}
}

// Start polls until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info("Starting outbox processor...", zap.String("topic", p.topic), zap.Duration("poll_interval", p.pollInterval))
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox processor stopped.")
			return nil
		case <-ticker.C:
			p.processOutboxMessages(ctx)
		}
	}
}

func (p *Processor) processOutboxMessages(ctx context.Context) int {
	p.logger.Debug("Polling for outbox messages...")

	pollCtx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	sent, err := p.store.RelayPending(pollCtx, p.batchSize, p.relay)
	if err != nil {
		p.logger.Error("Outbox relay stopped early", zap.Int("sent", sent), zap.Error(err))
	}
	if sent > 0 {
		p.logger.Info("Outbox messages relayed", zap.Int("count", sent))
	}
	return sent
}

func (p *Processor) relay(ctx context.Context, msg domain.OutboxMessage) error {
	if err := p.producer.Produce(ctx, p.topic, msg.Key, msg.Payload); err != nil {
		p.logger.Error("Failed to send message to Kafka",
			zap.String("message_id", msg.ID),
			zap.String("message_type", msg.MessageType),
			zap.String("topic", p.topic),
			zap.Error(err))
		return err
	}
	p.logger.Debug("Message sent to Kafka", zap.String("message_id", msg.ID), zap.String("topic", p.topic))
	return nil
}
