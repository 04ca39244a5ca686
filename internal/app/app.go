package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "ingest":
		return runIngest(args[1:])
	case "consume":
		return runConsume(args[1:])
	case "refresh":
		return runRefresh(args[1:])
	case "serve":
		return runServe(args[1:])
	case "clusters":
		return runClusters(args[1:])
	case "rollups":
		return runRollups(args[1:])
	case "stats":
		return runStats(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "adobservatory CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  adobservatory <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health    Verify database connectivity and schema")
	fmt.Fprintln(os.Stderr, "  validate  Validate JSON-lines feed records without storing them")
	fmt.Fprintln(os.Stderr, "  ingest    Upsert JSON-lines feed records from a file or stdin")
	fmt.Fprintln(os.Stderr, "  consume   Upsert feed records from the Kafka feed topic")
	fmt.Fprintln(os.Stderr, "  refresh   Run one fingerprint + cluster + rollup cycle and publish it")
	fmt.Fprintln(os.Stderr, "  serve     Start the Echo read API with scheduled refreshes")
	fmt.Fprintln(os.Stderr, "  clusters  Show a published cluster by id or by member archive id")
	fmt.Fprintln(os.Stderr, "  rollups   List published rollup specs or query one spec's rows")
	fmt.Fprintln(os.Stderr, "  stats     Show source counts, throughput and refresh history")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"adobservatory <command> -h\" for command-specific flags.")
}
