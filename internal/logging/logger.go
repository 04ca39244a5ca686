package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName tags every line so ingest, refresh and API logs from the same
// deployment can be told apart from other services in a shared sink.
const ServiceName = "adobservatory"

// New builds the root logger. LOG_LEVEL picks the level; ENVIRONMENT=local
// switches to a human readable console writer on stderr.
func New(environment, level string) (zerolog.Logger, error) {
	parsedLevel, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse LOG_LEVEL=%q: %w", level, err)
	}

	var writer io.Writer = os.Stdout
	if strings.EqualFold(strings.TrimSpace(environment), "local") {
		writer = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}

	return newLogger(writer, parsedLevel), nil
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", ServiceName).
		Logger()
}

// Component derives the logger of one pipeline component (fingerprint,
// cluster, rollup, refresh, ingest, consumer, httpapi, gorm).
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
