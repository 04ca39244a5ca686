package app

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/ingest"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/payloadschema"
)

type validateResult struct {
	Scanned int
	Valid   int
	Invalid int
	Ads     int
	Pages   int
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	file := fs.String("file", "-", "JSON-lines feed file, or - for stdin")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	input, closeInput, err := openInput(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation setup failed: %v\n", err)
		return 1
	}
	defer closeInput()

	result, err := validateFeed(input, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
		return 1
	}

	fmt.Printf(
		"validate scanned=%d valid=%d invalid=%d ads=%d pages=%d file=%s\n",
		result.Scanned,
		result.Valid,
		result.Invalid,
		result.Ads,
		result.Pages,
		strings.TrimSpace(*file),
	)

	if result.Scanned == 0 {
		fmt.Fprintln(os.Stderr, "Validation failed: no feed records found")
		return 1
	}
	if result.Invalid > 0 {
		return 1
	}
	return 0
}

// validateFeed checks every line of r and reports invalid ones to report.
func validateFeed(r io.Reader, report io.Writer) (validateResult, error) {
	var result validateResult
	err := ingest.ReadLines(r, func(lineNo int, line []byte) error {
		result.Scanned++
		record, err := payloadschema.ValidateFeedRecord(line)
		if err != nil {
			result.Invalid++
			fmt.Fprintf(report, "INVALID line %d: %v\n", lineNo, err)
			return nil
		}
		result.Valid++
		switch record.Kind {
		case payloadschema.KindAd:
			result.Ads++
		case payloadschema.KindPage:
			result.Pages++
		}
		return nil
	})
	return result, err
}

// openInput opens path for reading; "-" or an empty path is stdin.
func openInput(path string) (io.Reader, func(), error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(trimmed)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", trimmed, err)
	}
	return f, func() { _ = f.Close() }, nil
}
