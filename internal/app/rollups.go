package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cli"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/rollup"
)

func runRollups(args []string) int {
	fs := flag.NewFlagSet("rollups", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	spec := fs.String("spec", "", "Rollup spec name; lists published specs when empty")
	limit := fs.Int("limit", 50, "Maximum rows to return")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	filter := make(map[string]string)
	fs.Func("where", "Dimension filter dimension=value (repeatable)", func(raw string) error {
		name, value, err := parseDimensionFilter(raw)
		if err != nil {
			return err
		}
		filter[name] = value
		return nil
	})

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit < 1 || *limit > 10000 {
		fmt.Fprintln(os.Stderr, "--limit must be between 1 and 10000")
		return 2
	}
	specName := strings.TrimSpace(*spec)
	if specName == "" && len(filter) > 0 {
		fmt.Fprintln(os.Stderr, "--where requires --spec")
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

	if specName == "" {
		specs, err := pool.QueryRollupSpecs(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list rollup specs: %v\n", err)
			return 1
		}
		if outputFormat == outputFormatJSON {
			if err := printJSON(map[string]any{"items": specs}); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
				return 1
			}
			return 0
		}
		rows := make([][]string, 0, len(specs))
		for _, s := range specs {
			rows = append(rows, []string{s.Spec, fmt.Sprintf("%d", s.Rows)})
		}
		if err := writeTable([]string{"spec", "rows"}, rows); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render spec table: %v\n", err)
			return 1
		}
		return 0
	}

	items, err := pool.QueryRollupRows(ctx, specName, filter, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query rollup %s: %v\n", specName, err)
		return 1
	}
	if len(items) == 0 {
		fmt.Fprintf(os.Stderr, "No published rows for rollup %s\n", specName)
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(map[string]any{"spec": specName, "filters": filter, "items": items}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.Key,
			item.SpendEstimate.StringFixed(2),
			item.MinSpend.String() + " - " + item.MaxSpend.String(),
			item.ImpressionsEstimate.StringFixed(0),
			fmt.Sprintf("%d", item.AdCount),
			fmt.Sprintf("%d", item.ClusterCount),
			formatUTCDatePtr(item.WindowStart),
			formatUTCDatePtr(item.WindowEnd),
		})
	}
	if err := writeTable([]string{"key", "spend_estimate", "spend_range", "impressions_estimate", "ads", "clusters", "window_start", "window_end"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render rollup table: %v\n", err)
		return 1
	}
	return 0
}

// parseDimensionFilter splits dimension=value and checks the dimension name.
func parseDimensionFilter(raw string) (string, string, error) {
	name, value, ok := strings.Cut(raw, "=")
	if !ok {
		return "", "", fmt.Errorf("filter %q must be dimension=value", raw)
	}
	dim, err := rollup.ParseDimension(name)
	if err != nil {
		return "", "", err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", "", fmt.Errorf("filter %q has an empty value", raw)
	}
	return string(dim), value, nil
}
