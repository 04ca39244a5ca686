package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cli"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/db"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/ingest"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/logging"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/metrics"
)

func runConsume(args []string) int {
	fs := flag.NewFlagSet("consume", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	topic := fs.String("topic", "", "Kafka topic (default: KAFKA_TOPIC)")
	groupID := fs.String("group-id", "", "Kafka consumer group (default: KAFKA_GROUP_ID)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, logger, err := loadRuntime(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	consumerCfg := ingest.ConsumerConfig{
		Brokers: cfg.KafkaBrokerList(),
		GroupID: cfg.KafkaGroupID,
		Topic:   cfg.KafkaTopic,
	}
	if v := strings.TrimSpace(*topic); v != "" {
		consumerCfg.Topic = v
	}
	if v := strings.TrimSpace(*groupID); v != "" {
		consumerCfg.GroupID = v
	}
	if len(consumerCfg.Brokers) == 0 {
		fmt.Fprintln(os.Stderr, "KAFKA_BROKERS is required for consume")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("database connection failed")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	svc := ingest.NewService(pool, metrics.New(), logging.Component(logger, "ingest"))
	consumer, err := ingest.NewConsumer(consumerCfg, svc, logging.Component(logger, "consumer"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid consumer configuration: %v\n", err)
		return 2
	}
	defer consumer.Close()

	logger.Info().
		Strs("brokers", consumerCfg.Brokers).
		Str("topic", consumerCfg.Topic).
		Str("group_id", consumerCfg.GroupID).
		Msg("feed consumer started")

	summary, err := consumer.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("feed consumer stopped on error")
		fmt.Fprintf(os.Stderr, "Consume failed: %v\n", err)
		return 1
	}

	logger.Info().
		Int("seen", summary.Seen).
		Int("upserted", summary.Upserted).
		Int("unchanged", summary.Unchanged).
		Int("rejected", summary.Rejected).
		Msg("feed consumer stopped")
	return 0
}
