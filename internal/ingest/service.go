package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/db"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/globaltime"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/metrics"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/payloadschema"
)

const maxIngestErrorLength = 4000

// ErrInvalidRecord marks a feed record rejected by validation. Callers skip
// such records; any other error is a storage failure.
var ErrInvalidRecord = errors.New("invalid feed record")

type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeRejected  Outcome = "rejected"
)

type Service struct {
	pool    *db.Pool
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

type Result struct {
	Kind           payloadschema.Kind
	ID             int64
	Outcome        Outcome
	PayloadHashHex string
}

func NewService(pool *db.Pool, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		pool:    pool,
		metrics: m,
		logger:  logger,
	}
}

// IngestOne validates one feed record and upserts it. Re-sending an
// identical ad record is a no-op that leaves last_modified_time untouched.
func (s *Service) IngestOne(ctx context.Context, raw []byte) (Result, error) {
	if s == nil || s.pool == nil {
		return Result{}, fmt.Errorf("ingest service is not initialized")
	}

	record, err := payloadschema.ValidateFeedRecord(raw)
	if err != nil {
		s.metrics.CountIngested("unknown", string(OutcomeRejected))
		return Result{Outcome: OutcomeRejected}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	canonical, err := canonicalizeJSON(raw)
	if err != nil {
		return Result{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	hash := sha256.Sum256(canonical)

	now := globaltime.UTC()
	var result Result
	switch record.Kind {
	case payloadschema.KindAd:
		rows, err := adRowsFromRecord(record.Ad)
		if err != nil {
			s.metrics.CountIngested(string(record.Kind), string(OutcomeRejected))
			return Result{Kind: record.Kind, Outcome: OutcomeRejected}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		outcome, err := s.upsertAd(ctx, rows, hash[:], now)
		if err != nil {
			return Result{}, fmt.Errorf("upsert ad %d: %w", rows.ad.ArchiveID, err)
		}
		result = Result{Kind: record.Kind, ID: rows.ad.ArchiveID, Outcome: outcome}
	case payloadschema.KindPage:
		outcome, err := s.upsertPage(ctx, record.Page, now)
		if err != nil {
			return Result{}, fmt.Errorf("upsert page %d: %w", record.Page.PageID, err)
		}
		result = Result{Kind: record.Kind, ID: record.Page.PageID, Outcome: outcome}
	default:
		return Result{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, record.Kind)
	}
	result.PayloadHashHex = hex.EncodeToString(hash[:])

	s.metrics.CountIngested(string(result.Kind), string(result.Outcome))
	s.logger.Debug().
		Str("kind", string(result.Kind)).
		Int64("id", result.ID).
		Str("outcome", string(result.Outcome)).
		Msg("feed record ingested")
	return result, nil
}

// BatchSummary counts the outcomes of one ingest run.
type BatchSummary struct {
	RunID     int64  `json:"run_id"`
	RunUUID   string `json:"run_uuid"`
	Source    string `json:"source"`
	Seen      int    `json:"seen"`
	Upserted  int    `json:"upserted"`
	Unchanged int    `json:"unchanged"`
	Rejected  int    `json:"rejected"`
}

func (b *BatchSummary) add(result Result) {
	b.Seen++
	switch result.Outcome {
	case OutcomeInserted, OutcomeUpdated:
		b.Upserted++
	case OutcomeUnchanged:
		b.Unchanged++
	case OutcomeRejected:
		b.Rejected++
	}
}

// IngestJSONL ingests every line of r as one feed record and records the
// batch in the ingest ledger. Invalid lines are logged and skipped.
func (s *Service) IngestJSONL(ctx context.Context, source string, r io.Reader) (BatchSummary, error) {
	if s == nil || s.pool == nil {
		return BatchSummary{}, fmt.Errorf("ingest service is not initialized")
	}
	source = strings.TrimSpace(source)
	if source == "" {
		return BatchSummary{}, fmt.Errorf("source is required")
	}

	summary := BatchSummary{Source: source}
	runID, runUUID, err := s.insertRun(ctx, source, globaltime.UTC())
	if err != nil {
		return summary, fmt.Errorf("insert ingest run: %w", err)
	}
	summary.RunID = runID
	summary.RunUUID = runUUID

	ingestErr := ReadLines(r, func(lineNo int, line []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := s.IngestOne(ctx, line)
		if err != nil {
			if errors.Is(err, ErrInvalidRecord) {
				summary.add(Result{Outcome: OutcomeRejected})
				s.logger.Warn().Err(err).Str("source", source).Int("line", lineNo).Msg("feed record rejected")
				return nil
			}
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		summary.add(result)
		return nil
	})

	finishedAt := globaltime.UTC()
	if ingestErr != nil {
		if markErr := s.markRunFailed(context.WithoutCancel(ctx), runID, summary, ingestErr, finishedAt); markErr != nil {
			return summary, fmt.Errorf("ingest failed (%v); failed to mark run failed: %w", ingestErr, markErr)
		}
		return summary, ingestErr
	}
	if err := s.markRunCompleted(ctx, runID, summary, finishedAt); err != nil {
		return summary, fmt.Errorf("mark ingest run completed: %w", err)
	}

	s.logger.Info().
		Int64("run_id", runID).
		Str("source", source).
		Int("seen", summary.Seen).
		Int("upserted", summary.Upserted).
		Int("unchanged", summary.Unchanged).
		Int("rejected", summary.Rejected).
		Msg("ingest completed")
	return summary, nil
}

func (s *Service) insertRun(ctx context.Context, source string, runStart time.Time) (int64, string, error) {
	const q = `
INSERT INTO adobs.ingest_runs (source, started_at, status)
VALUES ($1, $2, 'running')
RETURNING run_id, ingest_run_uuid::text
`
	var (
		runID   int64
		runUUID string
	)
	if err := s.pool.QueryRow(ctx, q, source, runStart).Scan(&runID, &runUUID); err != nil {
		return 0, "", err
	}
	return runID, runUUID, nil
}

func (s *Service) markRunCompleted(ctx context.Context, runID int64, summary BatchSummary, finishedAt time.Time) error {
	const q = `
UPDATE adobs.ingest_runs
SET
	status = 'succeeded',
	records_seen = $2,
	records_upserted = $3,
	records_rejected = $4,
	finished_at = $5,
	error_message = NULL
WHERE run_id = $1
`
	_, err := s.pool.Exec(ctx, q, runID, summary.Seen, summary.Upserted, summary.Rejected, finishedAt)
	return err
}

func (s *Service) markRunFailed(ctx context.Context, runID int64, summary BatchSummary, cause error, finishedAt time.Time) error {
	status := "failed"
	if errors.Is(cause, context.Canceled) {
		status = "aborted"
	}
	const q = `
UPDATE adobs.ingest_runs
SET
	status = $2::adobs.run_status,
	records_seen = $3,
	records_upserted = $4,
	records_rejected = $5,
	error_message = $6,
	finished_at = $7
WHERE run_id = $1
`
	msg := strings.TrimSpace(cause.Error())
	if len(msg) > maxIngestErrorLength {
		msg = msg[:maxIngestErrorLength]
	}
	_, err := s.pool.Exec(ctx, q, runID, status, summary.Seen, summary.Upserted, summary.Rejected, msg, finishedAt)
	return err
}

func canonicalizeJSON(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("JSON payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("JSON contains trailing content")
	}

	canonical, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical JSON: %w", err)
	}
	return canonical, nil
}
