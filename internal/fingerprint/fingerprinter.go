// Package fingerprint computes exact and near-duplicate digests for ad
// creative text and images.
package fingerprint

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
)

// Version identifies the digest algorithms. Stored fingerprints with an older
// version are recomputed on the next refresh.
const Version = 1

type Options struct {
	Loader  ImageLoader
	Workers int
}

type Fingerprinter struct {
	loader  ImageLoader
	workers int
	logger  zerolog.Logger
}

// Result counts the outcome of one batch.
type Result struct {
	Computed      int
	Skipped       int
	ImageFailures int
}

func New(opts Options, logger zerolog.Logger) *Fingerprinter {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Fingerprinter{
		loader:  opts.Loader,
		workers: workers,
		logger:  logger,
	}
}

// Compute fingerprints one creative. Image problems never fail the call: the
// creative keeps its text fingerprints and the returned error is only the
// image warning, which callers may log and ignore. A creative whose image
// could not be fingerprinted is left at version 0 so the next refresh retries
// it.
func (f *Fingerprinter) Compute(ctx context.Context, creative adlib.Creative) (adlib.Fingerprints, error) {
	out := adlib.Fingerprints{Version: Version}

	text := creative.Text()
	out.TextSHA256 = TextSHA256(text)
	if simhash, ok := TextSimhash(text); ok {
		out.TextSimhash = &simhash
	}

	if !creative.HasImage() {
		return out, nil
	}

	raw, err := f.imageBytes(ctx, creative)
	if err == nil {
		var dh uint64
		if dh, err = ImageDHash(raw); err == nil {
			out.ImageHash = ImageDigest(raw)
			out.ImageDHash = &dh
			return out, nil
		}
	}
	out.Version = 0
	return out, err
}

func (f *Fingerprinter) imageBytes(ctx context.Context, creative adlib.Creative) ([]byte, error) {
	if len(creative.ImageBytes) > 0 {
		return creative.ImageBytes, nil
	}
	if f.loader == nil {
		return nil, fmt.Errorf("no image loader configured for %q", creative.ImageURL)
	}
	raw, err := f.loader.Load(ctx, creative.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	return raw, nil
}

// ComputeAll fingerprints every creative whose stored fingerprints are
// missing or stale, in place, sharded across the worker pool. Returned
// indexes point at the creatives that changed.
func (f *Fingerprinter) ComputeAll(ctx context.Context, creatives []adlib.Creative) ([]int, Result, error) {
	var (
		result   Result
		computed atomic.Int64
		failures atomic.Int64
	)

	pending := make([]int, 0, len(creatives))
	for i := range creatives {
		if NeedsRefresh(creatives[i].Fingerprints) {
			pending = append(pending, i)
		}
	}
	result.Skipped = len(creatives) - len(pending)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for _, idx := range pending {
		idx := idx
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			creative := &creatives[idx]
			fp, err := f.Compute(gctx, *creative)
			if err != nil {
				failures.Add(1)
				f.logger.Warn().
					Err(err).
					Int64("archive_id", int64(creative.ArchiveID)).
					Int64("creative_id", creative.ID).
					Msg("image fingerprint failed; using text fingerprints only")
			}
			creative.Fingerprints = fp
			computed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, result, err
	}

	result.Computed = int(computed.Load())
	result.ImageFailures = int(failures.Load())
	return pending, result, nil
}

// NeedsRefresh reports whether fp was never computed or predates Version.
func NeedsRefresh(fp adlib.Fingerprints) bool {
	return fp.Version < Version
}
