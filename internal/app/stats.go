package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cli"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/db"
)

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	runs := fs.Int("runs", 5, "Number of recent refresh runs to show")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stats does not accept positional arguments")
		return 2
	}
	if *runs < 0 || *runs > 100 {
		fmt.Fprintln(os.Stderr, "--runs must be between 0 and 100")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, pool, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	dayStart := defaultUTCDay()
	_, dayEnd := utcDayBounds(dayStart)

	stats, err := pool.QueryPipelineStats(ctx, dayStart, dayEnd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query pipeline stats: %v\n", err)
		return 1
	}

	var recent []db.RefreshRunView
	if *runs > 0 {
		recent, err = pool.QueryRecentRefreshRuns(ctx, *runs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to query refresh runs: %v\n", err)
			return 1
		}
	}

	if outputFormat == outputFormatJSON {
		payload := struct {
			*db.PipelineStats
			RecentRuns []db.RefreshRunView `json:"recent_runs"`
		}{PipelineStats: stats, RecentRuns: recent}
		if err := printJSON(payload); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	sourceRows := [][]string{
		{"ads", fmt.Sprintf("%d", stats.Source.Ads)},
		{"creatives", fmt.Sprintf("%d", stats.Source.Creatives)},
		{"pages", fmt.Sprintf("%d", stats.Source.Pages)},
		{"topics", fmt.Sprintf("%d", stats.Source.Topics)},
		{"region_results", fmt.Sprintf("%d", stats.Source.Regions)},
	}
	if err := writeTable([]string{"source", "rows"}, sourceRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render source table: %v\n", err)
		return 1
	}

	fmt.Println()
	throughputRows := [][]string{
		{stats.Day,
			fmt.Sprintf("%d", stats.Throughput.AdsModifiedToday),
			fmt.Sprintf("%d", stats.Throughput.PagesModifiedToday),
			fmt.Sprintf("%d", stats.Throughput.PendingFingerprint),
			fmt.Sprintf("%d", stats.Throughput.AdsWithoutImpressions),
		},
	}
	if err := writeTable([]string{"day_utc", "ads_modified", "pages_modified", "pending_fingerprint", "ads_without_impressions"}, throughputRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render throughput table: %v\n", err)
		return 1
	}

	fmt.Println()
	publishedRows := [][]string{
		{"generation_id", stats.Published.GenerationID},
		{"published_at", formatUTCTimestampPtr(stats.Published.PublishedAt)},
		{"clusters", fmt.Sprintf("%d", stats.Published.Clusters)},
		{"rollup_rows", fmt.Sprintf("%d", stats.Published.RollupRows)},
		{"last_run_status", stats.Published.LastRunStatus},
		{"last_run_started_at", formatUTCTimestampPtr(stats.Published.LastRunStarted)},
	}
	if err := writeTable([]string{"published", "value"}, publishedRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render published table: %v\n", err)
		return 1
	}

	if len(recent) == 0 {
		return 0
	}
	fmt.Println()
	runRows := make([][]string, 0, len(recent))
	for _, run := range recent {
		runRows = append(runRows, []string{
			run.RunUUID,
			run.Status,
			formatUTCTimestamp(run.StartedAt),
			formatUTCTimestampPtr(run.FinishedAt),
			pointerStringOrEmpty(run.FailedStage),
			fmt.Sprintf("%d", run.Clusters),
			fmt.Sprintf("%d", run.RollupRows),
		})
	}
	if err := writeTable([]string{"run_uuid", "status", "started_at", "finished_at", "failed_stage", "clusters", "rollup_rows"}, runRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render run table: %v\n", err)
		return 1
	}
	return 0
}
