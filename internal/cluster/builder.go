// Package cluster groups ads into duplicate-aware clusters from their creative
// fingerprints and derives each cluster's canonical ad and aggregates.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
)

var ErrClusterNotFound = errors.New("cluster not found")

// Thresholds are the Hamming cutoffs for near-duplicate unions. A pair is
// joined when its distance is strictly below the threshold; 0 disables the
// feature.
type Thresholds struct {
	Text  int
	Image int
}

type Options struct {
	Thresholds Thresholds
	// Partitions > 1 runs the exact and near passes per partition in
	// parallel and merges the local forests afterwards.
	Partitions int
}

type Builder struct {
	opts   Options
	logger zerolog.Logger
}

// BuildStats describes one build.
type BuildStats struct {
	Ads         int
	Creatives   int
	Clusterable int
	Singletons  int
	Clusters    int
	Partitions  int
}

func NewBuilder(opts Options, logger zerolog.Logger) *Builder {
	if opts.Partitions < 1 {
		opts.Partitions = 1
	}
	return &Builder{opts: opts, logger: logger}
}

// Build partitions every ad in the snapshot into clusters. Ads whose creatives
// carry no fingerprint end up in singleton clusters.
func (b *Builder) Build(ctx context.Context, snap *adlib.Snapshot) (*Result, BuildStats, error) {
	stats := BuildStats{Ads: len(snap.Ads), Creatives: len(snap.Creatives), Partitions: b.opts.Partitions}

	known := make(map[adlib.ArchiveID]struct{}, len(snap.Ads))
	for _, ad := range snap.Ads {
		known[ad.ArchiveID] = struct{}{}
	}

	entries := make([]entry, 0, len(snap.Creatives))
	orphans := 0
	for _, c := range snap.Creatives {
		if _, ok := known[c.ArchiveID]; !ok {
			orphans++
			continue
		}
		if e, ok := newEntry(c); ok {
			entries = append(entries, e)
		}
	}
	stats.Clusterable = len(entries)
	if orphans > 0 {
		b.logger.Warn().Int("creatives", orphans).Msg("creatives without a matching ad were skipped")
	}

	var (
		uf  *unionFind
		err error
	)
	if b.opts.Partitions > 1 {
		uf, err = b.partitioned(ctx, entries)
	} else {
		uf, err = b.singleWriter(ctx, entries)
	}
	if err != nil {
		return nil, stats, err
	}
	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}

	for id := range known {
		uf.add(id)
	}
	result := assemble(snap, uf)
	stats.Clusters = len(result.Clusters)
	for _, c := range result.Clusters {
		if c.MemberCount == 1 {
			stats.Singletons++
		}
	}

	b.logger.Info().
		Int("ads", stats.Ads).
		Int("creatives", stats.Creatives).
		Int("clusterable", stats.Clusterable).
		Int("clusters", stats.Clusters).
		Int("singletons", stats.Singletons).
		Int("partitions", stats.Partitions).
		Msg("clusters built")
	return result, stats, nil
}

func (b *Builder) singleWriter(ctx context.Context, entries []entry) (*unionFind, error) {
	uf := newUnionFind(len(entries))
	reps := exactPass(uf, entries)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nearPass(uf, reps, b.opts.Thresholds, false)
	return uf, nil
}

// partitioned shards entries by archive id, clusters each shard in its own
// forest, then merges: every local union is replayed into a global forest and
// only cross-partition exact and near pairs are evaluated again.
func (b *Builder) partitioned(ctx context.Context, entries []entry) (*unionFind, error) {
	p := b.opts.Partitions
	shards := make([][]entry, p)
	for _, e := range entries {
		idx := int(uint64(e.archiveID) % uint64(p))
		e.partition = idx
		shards[idx] = append(shards[idx], e)
	}

	locals := make([]*unionFind, p)
	localReps := make([][]entry, p)

	g, gctx := errgroup.WithContext(ctx)
	for i := range shards {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			uf := newUnionFind(len(shards[i]))
			reps := exactPass(uf, shards[i])
			nearPass(uf, reps, b.opts.Thresholds, false)
			locals[i] = uf
			localReps[i] = reps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("cluster partitions: %w", err)
	}

	global := newUnionFind(len(entries))
	merged := make([]entry, 0, len(entries))
	for i, uf := range locals {
		for id := range uf.parent {
			global.union(id, uf.find(id))
		}
		merged = append(merged, localReps[i]...)
	}

	reps := exactPass(global, merged)
	cross := nearPass(global, reps, b.opts.Thresholds, true)
	b.logger.Debug().Int("partitions", p).Int("cross_partition_unions", cross).Msg("partition forests merged")
	return global, nil
}

// Result is an immutable set of clusters with an archive id index.
type Result struct {
	Clusters []Cluster
	byAd     map[adlib.ArchiveID]int
}

func newResult(clusters []Cluster) *Result {
	r := &Result{Clusters: clusters, byAd: make(map[adlib.ArchiveID]int)}
	for i, c := range clusters {
		for _, id := range c.Members {
			r.byAd[id] = i
		}
	}
	return r
}

// ClusterOf returns the cluster containing the archive id.
func (r *Result) ClusterOf(id adlib.ArchiveID) (Cluster, bool) {
	if r == nil {
		return Cluster{}, false
	}
	idx, ok := r.byAd[id]
	if !ok {
		return Cluster{}, false
	}
	return r.Clusters[idx], true
}

// ClusterIDOf returns the cluster id assigned to the archive id, or 0.
func (r *Result) ClusterIDOf(id adlib.ArchiveID) int64 {
	c, ok := r.ClusterOf(id)
	if !ok {
		return 0
	}
	return c.ID
}

// ByID returns the cluster with the given id. Ids are dense from 1.
func (r *Result) ByID(id int64) (Cluster, bool) {
	if r == nil || id < 1 || id > int64(len(r.Clusters)) {
		return Cluster{}, false
	}
	return r.Clusters[id-1], true
}

// Partition returns every cluster's sorted member list, ordered by first
// member. Two results with equal partitions are equal here regardless of ids.
func (r *Result) Partition() [][]adlib.ArchiveID {
	if r == nil {
		return nil
	}
	out := make([][]adlib.ArchiveID, 0, len(r.Clusters))
	for _, c := range r.Clusters {
		out = append(out, append([]adlib.ArchiveID(nil), c.Members...))
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
