package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cli"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cluster"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/config"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/db"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/fingerprint"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/globaltime"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/logging"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/metrics"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/refresh"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/rollup"
)

const (
	outputFormatTable = "table"
	outputFormatJSON  = "json"
)

// loadRuntime loads the .env file, the config and the logger every
// database-backed command needs.
func loadRuntime(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func connectReadPool(timeout time.Duration, envLoader *cli.EnvLoader) (context.Context, context.CancelFunc, *db.Pool, error) {
	cfg, logger, err := loadRuntime(envLoader)
	if err != nil {
		return nil, nil, nil, err
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	pool, err := db.NewPool(ctx, cfg, logger)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return ctx, cancel, pool, nil
}

// newCoordinator wires the refresh pipeline from configuration.
func newCoordinator(cfg *config.Config, pool *db.Pool, m *metrics.Metrics, logger zerolog.Logger) (*refresh.Coordinator, error) {
	specs, err := loadRollupSpecs(cfg.RollupSpecsPath)
	if err != nil {
		return nil, err
	}

	fingerprinter := fingerprint.New(fingerprint.Options{
		Loader: fingerprint.HTTPImageLoader{
			Timeout:       cfg.ImageFetchTimeout,
			BodyByteLimit: cfg.ImageMaxBytes,
		},
		Workers: cfg.FingerprintWorkers,
	}, logging.Component(logger, "fingerprint"))

	builder := cluster.NewBuilder(cluster.Options{
		Thresholds: cluster.Thresholds{
			Text:  cfg.TextHammingThreshold,
			Image: cfg.ImageHammingThreshold,
		},
		Partitions: cfg.ClusterPartitions,
	}, logging.Component(logger, "cluster"))

	engine := rollup.NewEngine(cfg.RollupWorkers, logging.Component(logger, "rollup"))

	return refresh.NewCoordinator(pool, nil, refresh.Options{
		Fingerprinter: fingerprinter,
		Clusters:      builder,
		Rollups:       engine,
		Specs:         specs,
		Metrics:       m,
	}, logging.Component(logger, "refresh"))
}

// loadRollupSpecs reads ROLLUP_SPECS_PATH, falling back to the built-in set
// when it is unset.
func loadRollupSpecs(path string) ([]rollup.Spec, error) {
	specs, err := rollup.LoadSpecs(path)
	if err != nil {
		return nil, fmt.Errorf("load rollup specs %q: %w", path, err)
	}
	return specs, nil
}

func defaultUTCDay() time.Time {
	now := globaltime.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func utcDayBounds(day time.Time) (time.Time, time.Time) {
	start := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

func parseOutputFormat(raw, defaultFormat string) (string, error) {
	format := strings.TrimSpace(strings.ToLower(raw))
	if format == "" {
		format = strings.TrimSpace(strings.ToLower(defaultFormat))
	}
	switch format {
	case outputFormatTable, outputFormatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("--format must be table or json")
	}
}

func formatUTCDatePtr(value *time.Time) string {
	if value == nil || value.IsZero() {
		return ""
	}
	return value.UTC().Format("2006-01-02")
}

func formatUTCTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func formatUTCTimestampPtr(value *time.Time) string {
	if value == nil || value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func pointerStringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func writeTable(headers []string, rows [][]string) error {
	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	if _, err := fmt.Fprintln(writer, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(writer, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return writer.Flush()
}
