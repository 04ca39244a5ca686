package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cli"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/db"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/ingest"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/logging"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/metrics"
)

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	file := fs.String("file", "-", "JSON-lines feed file, or - for stdin")
	source := fs.String("source", "", "Source label stored in the ingest ledger (default: file name)")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "ingest does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	sourceLabel := strings.TrimSpace(*source)
	if sourceLabel == "" {
		sourceLabel = "stdin"
		if path := strings.TrimSpace(*file); path != "" && path != "-" {
			sourceLabel = filepath.Base(path)
		}
	}

	cfg, logger, err := loadRuntime(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	input, closeInput, err := openInput(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		return 1
	}
	defer closeInput()

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
	summary, err := svc.IngestJSONL(ctx, sourceLabel, input)
	if err != nil {
		logger.Error().Err(err).Str("source", sourceLabel).Msg("ingest failed")
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		return 1
	}

	return printBatchSummary(summary, outputFormat)
}

func printBatchSummary(summary ingest.BatchSummary, outputFormat string) int {
	if outputFormat == outputFormatJSON {
		if err := printJSON(summary); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("run_id=%d source=%s seen=%d upserted=%d unchanged=%d rejected=%d\n",
		summary.RunID, summary.Source, summary.Seen, summary.Upserted, summary.Unchanged, summary.Rejected)
	if summary.RunUUID != "" {
		fmt.Printf("run_uuid=%s\n", summary.RunUUID)
	}
	return 0
}
