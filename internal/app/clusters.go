package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cli"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/db"
)

func runClusters(args []string) int {
	fs := flag.NewFlagSet("clusters", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	clusterID := fs.Int64("id", 0, "Published cluster id")
	archiveID := fs.Int64("archive-id", 0, "Archive id of a member ad")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if (*clusterID > 0) == (*archiveID > 0) {
		fmt.Fprintln(os.Stderr, "exactly one of --id or --archive-id is required")
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

	id := *clusterID
	if *archiveID > 0 {
		id, err = pool.QueryClusterIDForAd(ctx, *archiveID)
		if db.IsNoRows(err) {
			fmt.Fprintf(os.Stderr, "Ad %d is not part of the published generation\n", *archiveID)
			return 1
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve cluster for ad %d: %v\n", *archiveID, err)
			return 1
		}
	}

	view, err := pool.QueryCluster(ctx, id)
	if db.IsNoRows(err) {
		fmt.Fprintf(os.Stderr, "Cluster %d not found in the published generation\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query cluster %d: %v\n", id, err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(view); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := [][]string{
		{"cluster_id", fmt.Sprintf("%d", view.ClusterID)},
		{"canonical_archive_id", fmt.Sprintf("%d", view.CanonicalArchiveID)},
		{"member_count", fmt.Sprintf("%d", view.MemberCount)},
		{"spend", view.MinSpendSum.String() + " - " + view.MaxSpendSum.String()},
		{"impressions", view.MinImpressionsSum.String() + " - " + view.MaxImpressionsSum.String()},
		{"spend_estimate", view.SpendEstimate.String()},
		{"impressions_estimate", view.ImpressionsEstimate.String()},
		{"start_date", formatUTCDatePtr(view.StartDate)},
		{"end_date", formatUTCDatePtr(view.EndDate)},
		{"num_pages", fmt.Sprintf("%d", view.NumPages)},
		{"topics", joinInt64s(view.TopicIDs)},
		{"ad_types", strings.Join(view.AdTypes, ",")},
		{"languages", strings.Join(view.Languages, ",")},
		{"currencies", strings.Join(view.Currencies, ",")},
		{"funding_entities", strings.Join(view.FundingEntities, "; ")},
		{"members", joinInt64s(view.Members)},
	}
	if err := writeTable([]string{"field", "value"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render cluster table: %v\n", err)
		return 1
	}

	if len(view.Regions) > 0 {
		fmt.Println()
		regionRows := make([][]string, 0, len(view.Regions))
		for _, r := range view.Regions {
			regionRows = append(regionRows, []string{r.Region, r.MinSpend, r.MaxSpend, r.MinImpressions, r.MaxImpressions})
		}
		if err := writeTable([]string{"region", "min_spend", "max_spend", "min_impressions", "max_impressions"}, regionRows); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render region table: %v\n", err)
			return 1
		}
	}
	return 0
}

func joinInt64s(values []int64) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, fmt.Sprintf("%d", v))
	}
	return strings.Join(parts, ",")
}
