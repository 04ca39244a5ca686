// Package refresh sequences the derived-state pipeline and publishes each
// successful run atomically.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cluster"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/fingerprint"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/globaltime"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/metrics"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/rollup"
)

var ErrRefreshInProgress = errors.New("refresh already in progress")

type State int32

const (
	StateIdle State = iota
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateRefreshing:
		return "refreshing"
	default:
		return "idle"
	}
}

type Stage string

const (
	StageSnapshot    Stage = "snapshot"
	StageFingerprint Stage = "fingerprint"
	StageCluster     Stage = "cluster"
	StageRollup      Stage = "rollup"
	StagePublish     Stage = "publish"
)

// StageError reports which stage ended a run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("refresh stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Store is the durable side of a refresh: the source tables it snapshots, the
// derived tables it publishes into, and the run ledger.
type Store interface {
	LoadSnapshot(ctx context.Context) (*adlib.Snapshot, error)
	Publish(ctx context.Context, gen *Generation) error
	BeginRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, run Run) error
}

type Options struct {
	Fingerprinter *fingerprint.Fingerprinter
	Clusters      *cluster.Builder
	Rollups       *rollup.Engine
	Specs         []rollup.Spec
	Metrics       *metrics.Metrics
}

type Coordinator struct {
	store     Store
	published *Published
	opts      Options
	logger    zerolog.Logger

	state   atomic.Int32
	lastRun atomic.Pointer[Run]
}

func NewCoordinator(store Store, published *Published, opts Options, logger zerolog.Logger) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("refresh store is nil")
	}
	if published == nil {
		published = NewPublished()
	}
	if opts.Fingerprinter == nil || opts.Clusters == nil || opts.Rollups == nil {
		return nil, fmt.Errorf("refresh requires fingerprinter, cluster builder and rollup engine")
	}
	if len(opts.Specs) == 0 {
		return nil, fmt.Errorf("refresh requires at least one rollup spec")
	}
	return &Coordinator{
		store:     store,
		published: published,
		opts:      opts,
		logger:    logger,
	}, nil
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) Published() *Published {
	return c.published
}

// Current returns the live generation or nil before the first publish.
func (c *Coordinator) Current() *Generation {
	return c.published.Current()
}

// LastRun returns the most recently finished run.
func (c *Coordinator) LastRun() (Run, bool) {
	run := c.lastRun.Load()
	if run == nil {
		return Run{}, false
	}
	return *run, true
}

// Refresh runs one full cycle. Any stage failure leaves the previously
// published generation live and is returned as a *StageError. Cancelling ctx
// aborts the run only until publishing starts.
func (c *Coordinator) Refresh(ctx context.Context) (Run, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateRefreshing)) {
		return Run{}, ErrRefreshInProgress
	}
	defer c.state.Store(int32(StateIdle))

	run := Run{
		ID:        uuid.New(),
		StartedAt: globaltime.UTC(),
		Status:    RunRunning,
	}
	logger := c.logger.With().Str("run_uuid", run.ID.String()).Logger()
	if err := c.store.BeginRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn().Err(err).Msg("failed to record refresh run start")
	}

	gen, err := c.execute(ctx, &run, logger)
	c.finish(ctx, &run, gen, err, logger)
	if err != nil {
		return run, err
	}
	return run, nil
}

func (c *Coordinator) execute(ctx context.Context, run *Run, logger zerolog.Logger) (*Generation, error) {
	var snap *adlib.Snapshot
	if err := c.stage(ctx, StageSnapshot, logger, func(ctx context.Context) error {
		loaded, err := c.store.LoadSnapshot(ctx)
		if err != nil {
			return err
		}
		report := loaded.Prepare(logger)
		snap = loaded
		run.Counters.Ads = len(snap.Ads)
		run.Counters.Creatives = len(snap.Creatives)
		logger.Info().
			Int("ads", len(snap.Ads)).
			Int("creatives", len(snap.Creatives)).
			Int("pages", len(snap.Pages)).
			Int("swapped_ranges", report.SwappedRanges).
			Int("uncategorized", report.Uncategorized).
			Int("flattened_owners", report.FlattenedOwners).
			Int("owner_cycles", report.BrokenOwnerCycles).
			Msg("snapshot loaded")
		return nil
	}); err != nil {
		return nil, err
	}

	var fingerprinted []adlib.Creative
	if err := c.stage(ctx, StageFingerprint, logger, func(ctx context.Context) error {
		changed, result, err := c.opts.Fingerprinter.ComputeAll(ctx, snap.Creatives)
		if err != nil {
			return err
		}
		fingerprinted = make([]adlib.Creative, 0, len(changed))
		for _, idx := range changed {
			fingerprinted = append(fingerprinted, snap.Creatives[idx])
		}
		run.Counters.Fingerprinted = result.Computed
		c.opts.Metrics.CountFingerprintFailures(result.ImageFailures)
		logger.Info().
			Int("computed", result.Computed).
			Int("skipped", result.Skipped).
			Int("image_failures", result.ImageFailures).
			Msg("fingerprints computed")
		return nil
	}); err != nil {
		return nil, err
	}

	var clusters *cluster.Result
	if err := c.stage(ctx, StageCluster, logger, func(ctx context.Context) error {
		built, stats, err := c.opts.Clusters.Build(ctx, snap)
		if err != nil {
			return err
		}
		clusters = built
		run.Counters.Clusters = stats.Clusters
		return nil
	}); err != nil {
		return nil, err
	}

	var rollups *rollup.Set
	if err := c.stage(ctx, StageRollup, logger, func(ctx context.Context) error {
		set, err := c.opts.Rollups.Run(ctx, rollup.Input{Snapshot: snap, Clusters: clusters}, c.opts.Specs)
		if err != nil {
			return err
		}
		rollups = set
		run.Counters.RollupRows = set.RowCount()
		logger.Info().Int("specs", len(set.Names())).Int("rows", set.RowCount()).Msg("rollups computed")
		return nil
	}); err != nil {
		return nil, err
	}

	// Last point at which the run may be abandoned.
	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: StagePublish, Err: err}
	}

	gen := &Generation{
		ID:            uuid.New(),
		RunID:         run.ID,
		BuiltAt:       globaltime.UTC(),
		Snapshot:      snap,
		Clusters:      clusters,
		Rollups:       rollups,
		Fingerprinted: fingerprinted,
	}
	publishCtx := context.WithoutCancel(ctx)
	if err := c.stage(publishCtx, StagePublish, logger, func(ctx context.Context) error {
		gen.PublishedAt = globaltime.UTC()
		if err := c.store.Publish(ctx, gen); err != nil {
			return err
		}
		retired := c.published.swap(gen)
		run.Generation = gen.ID
		event := logger.Info().Str("generation", gen.ID.String())
		if retired != nil {
			event = event.Str("retired_generation", retired.ID.String())
		}
		event.Msg("generation published")
		return nil
	}); err != nil {
		return nil, err
	}
	return gen, nil
}

func (c *Coordinator) stage(ctx context.Context, stage Stage, logger zerolog.Logger, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: stage, Err: err}
	}
	started := time.Now()
	err := fn(ctx)
	elapsed := time.Since(started)
	c.opts.Metrics.ObserveStage(string(stage), elapsed)
	if err != nil {
		logger.Error().Err(err).Str("stage", string(stage)).Dur("elapsed", elapsed).Msg("refresh stage failed")
		return &StageError{Stage: stage, Err: err}
	}
	logger.Debug().Str("stage", string(stage)).Dur("elapsed", elapsed).Msg("refresh stage finished")
	return nil
}

func (c *Coordinator) finish(ctx context.Context, run *Run, gen *Generation, err error, logger zerolog.Logger) {
	run.FinishedAt = globaltime.UTC()
	switch {
	case err == nil:
		run.Status = RunSucceeded
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		run.Status = RunAborted
	default:
		run.Status = RunFailed
	}
	if err != nil {
		run.Error = err.Error()
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			run.FailedStage = stageErr.Stage
		}
	}

	if ledgerErr := c.store.FinishRun(context.WithoutCancel(ctx), *run); ledgerErr != nil {
		logger.Warn().Err(ledgerErr).Msg("failed to record refresh run result")
	}
	c.opts.Metrics.CountRun(string(run.Status))
	if gen != nil {
		c.opts.Metrics.SetPublished(len(gen.Clusters.Clusters), gen.RowsBySpec())
	}

	finished := *run
	c.lastRun.Store(&finished)

	event := logger.Info()
	if err != nil {
		event = logger.Error().Err(err).Str("failed_stage", string(run.FailedStage))
	}
	event.
		Str("status", string(run.Status)).
		Dur("elapsed", run.FinishedAt.Sub(run.StartedAt)).
		Int("clusters", run.Counters.Clusters).
		Int("rollup_rows", run.Counters.RollupRows).
		Msg("refresh finished")
}

// Loop refreshes every interval until ctx is done. Overlapping triggers are
// skipped. An interval <= 0 disables the loop.
func (c *Coordinator) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrRefreshInProgress) {
				c.logger.Warn().Err(err).Msg("scheduled refresh failed")
			}
		}
	}
}
