package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Handler ingests one raw feed record.
type Handler interface {
	IngestOne(ctx context.Context, raw []byte) (Result, error)
}

type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topic   string
}

// Consumer reads feed records from a Kafka consumer group. Offsets are
// committed only after a record is stored or rejected as invalid, so a
// storage failure redelivers the record.
type Consumer struct {
	reader  *kafka.Reader
	handler Handler
	logger  zerolog.Logger
}

func NewConsumer(cfg ConsumerConfig, handler Handler, logger zerolog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	if handler == nil {
		return nil, fmt.Errorf("kafka consumer requires a handler")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: []string{cfg.Topic},
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
	return &Consumer{
		reader:  reader,
		handler: handler,
		logger:  logger.With().Str("topic", cfg.Topic).Str("group_id", cfg.GroupID).Logger(),
	}, nil
}

// Run consumes until ctx is cancelled or a storage error occurs.
func (c *Consumer) Run(ctx context.Context) (BatchSummary, error) {
	summary := BatchSummary{Source: "kafka"}
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return summary, nil
			}
			return summary, fmt.Errorf("fetch message: %w", err)
		}

		result, err := c.handler.IngestOne(ctx, msg.Value)
		switch {
		case err == nil:
			summary.add(result)
		case errors.Is(err, ErrInvalidRecord):
			summary.add(Result{Outcome: OutcomeRejected})
			c.logger.Warn().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("feed record rejected")
		default:
			return summary, fmt.Errorf("partition %d offset %d: %w", msg.Partition, msg.Offset, err)
		}

		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			return summary, fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
		if summary.Seen%1000 == 0 {
			c.logger.Info().
				Int("seen", summary.Seen).
				Int("upserted", summary.Upserted).
				Int("rejected", summary.Rejected).
				Msg("consume progress")
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
