package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cli"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/db"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/metrics"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/refresh"
)

func runRefresh(args []string) int {
	fs := flag.NewFlagSet("refresh", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "refresh does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	cfg, logger, err := loadRuntime(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
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

	coordinator, err := newCoordinator(cfg, pool, metrics.New(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure refresh: %v\n", err)
		return 1
	}

	run, err := coordinator.Refresh(ctx)
	if outputFormat == outputFormatJSON {
		if encodeErr := printJSON(newRunSummary(run)); encodeErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", encodeErr)
			return 1
		}
	} else {
		printRunSummary(run)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Refresh failed: %v\n", err)
		return 1
	}
	return 0
}

type runSummary struct {
	RunUUID       string `json:"run_uuid"`
	Status        string `json:"status"`
	StartedAt     string `json:"started_at"`
	FinishedAt    string `json:"finished_at"`
	FailedStage   string `json:"failed_stage,omitempty"`
	Error         string `json:"error,omitempty"`
	GenerationID  string `json:"generation_id,omitempty"`
	Ads           int    `json:"ads"`
	Creatives     int    `json:"creatives"`
	Fingerprinted int    `json:"fingerprinted"`
	Clusters      int    `json:"clusters"`
	RollupRows    int    `json:"rollup_rows"`
}

func newRunSummary(run refresh.Run) runSummary {
	summary := runSummary{
		RunUUID:       run.ID.String(),
		Status:        string(run.Status),
		StartedAt:     formatUTCTimestamp(run.StartedAt),
		FinishedAt:    formatUTCTimestamp(run.FinishedAt),
		FailedStage:   string(run.FailedStage),
		Error:         run.Error,
		Ads:           run.Counters.Ads,
		Creatives:     run.Counters.Creatives,
		Fingerprinted: run.Counters.Fingerprinted,
		Clusters:      run.Counters.Clusters,
		RollupRows:    run.Counters.RollupRows,
	}
	if run.Status == refresh.RunSucceeded {
		summary.GenerationID = run.Generation.String()
	}
	return summary
}

func printRunSummary(run refresh.Run) {
	s := newRunSummary(run)
	fmt.Printf("run_uuid=%s status=%s started_at=%s finished_at=%s\n", s.RunUUID, s.Status, s.StartedAt, s.FinishedAt)
	fmt.Printf("ads=%d creatives=%d fingerprinted=%d clusters=%d rollup_rows=%d\n",
		s.Ads, s.Creatives, s.Fingerprinted, s.Clusters, s.RollupRows)
	if s.GenerationID != "" {
		fmt.Printf("generation_id=%s\n", s.GenerationID)
	}
	if s.FailedStage != "" {
		fmt.Printf("failed_stage=%s\n", s.FailedStage)
	}
}
