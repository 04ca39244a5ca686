// Package rollup aggregates ad and cluster estimates across declared
// dimension combinations into keyed summary rows.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/estimate"
)

var ErrSpecNotFound = errors.New("rollup spec not found")

// bucketEpoch is the Monday every time bucket is aligned to.
var bucketEpoch = time.Date(1970, time.January, 5, 0, 0, 0, 0, time.UTC)

type Engine struct {
	workers int
	logger  zerolog.Logger
}

func NewEngine(workers int, logger zerolog.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{workers: workers, logger: logger}
}

// Run evaluates every spec concurrently. A table is only part of the returned
// set once its spec has been aggregated in full; any failure discards all.
func (e *Engine) Run(ctx context.Context, in Input, specs []Spec) (*Set, error) {
	if in.Snapshot == nil {
		return nil, fmt.Errorf("rollup input has no snapshot")
	}
	tables := make([]*Table, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := spec.Validate(); err != nil {
				return err
			}
			started := time.Now()
			table := Compute(in, spec)
			tables[i] = table
			e.logger.Debug().
				Str("spec", spec.Name).
				Int("rows", len(table.Rows)).
				Dur("elapsed", time.Since(started)).
				Msg("rollup computed")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return NewSet(tables), nil
}

// Compute aggregates one spec. It is pure: the same input always yields the
// same rows in the same order.
func Compute(in Input, spec Spec) *Table {
	var facts []fact
	if spec.Unit == UnitCluster {
		facts = clusterFacts(in, spec.regional())
	} else {
		facts = adFacts(in, spec.regional())
	}

	acc := make(map[string]*accumulator)
	for _, f := range facts {
		f, ok := spec.Filter.restrict(f)
		if !ok {
			continue
		}
		for _, combo := range expand(in.Snapshot, spec, f) {
			keyString := combo.key.String()
			a, exists := acc[keyString]
			if !exists {
				a = newAccumulator(combo.key)
				acc[keyString] = a
			}
			a.add(f, combo.period)
		}
	}

	rows := make([]Row, 0, len(acc))
	for _, a := range acc {
		rows = append(rows, a.row())
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key.sortString() < rows[j].Key.sortString() })
	return newTable(spec, rows)
}

// combination is one fan-out target of a fact. period is set when the spec
// has a time bucket and limits the contribution to that bucket.
type combination struct {
	key    Key
	period *estimate.Window
}

// expand fans a fact out to the cartesian product of its dimension values.
// An empty value list for any dimension yields no combinations.
func expand(snap *adlib.Snapshot, spec Spec, f fact) []combination {
	combos := []combination{{key: Key{}}}
	for _, d := range spec.Dimensions {
		if d == DimTimeBucket {
			buckets := timeBuckets(f.window, spec.BucketDays)
			next := make([]combination, 0, len(combos)*len(buckets))
			for _, c := range combos {
				for _, b := range buckets {
					period := estimate.Window{Start: b.Start, End: b.End}
					next = append(next, combination{key: appendKey(c.key, b), period: &period})
				}
			}
			combos = next
			continue
		}

		values := dimensionValues(snap, d, f)
		next := make([]combination, 0, len(combos)*len(values))
		for _, c := range combos {
			for _, v := range values {
				next = append(next, combination{key: appendKey(c.key, v), period: c.period})
			}
		}
		combos = next
		if len(combos) == 0 {
			return nil
		}
	}
	return combos
}

func appendKey(k Key, v Value) Key {
	out := make(Key, len(k), len(k)+1)
	copy(out, k)
	return append(out, v)
}

func dimensionValues(snap *adlib.Snapshot, d Dimension, f fact) []Value {
	seen := make(map[string]struct{})
	out := make([]Value, 0, 2)
	push := func(v Value) {
		if _, dup := seen[v.Key()]; dup {
			return
		}
		seen[v.Key()] = struct{}{}
		out = append(out, v)
	}

	switch d {
	case DimRegion:
		if f.region != "" {
			push(RegionValue{Region: f.region})
		}
	case DimTopic:
		for _, t := range f.topics {
			push(TopicValue{ID: t, Name: snap.Topics[t].Name})
		}
	case DimAdType:
		for _, at := range f.adTypes {
			if at != "" {
				push(AdTypeValue{AdType: at})
			}
		}
	case DimPage:
		for _, p := range f.pages {
			push(PageValue{ID: p, Name: snap.Pages[p].Name})
		}
	case DimPageOwner:
		for _, p := range f.pages {
			owner := snap.OwnerOf(p)
			push(PageOwnerValue{ID: owner, Name: snap.Pages[owner].Name})
		}
	}
	return out
}

// timeBuckets lists the buckets of width days that overlap w, aligned to
// bucketEpoch. Unknown windows have no buckets.
func timeBuckets(w estimate.Window, days int) []TimeBucketValue {
	if w.IsZero() || days < 1 {
		return nil
	}
	width := int64(days)
	offset := int64(w.Start.Sub(bucketEpoch).Hours() / 24)
	idx := offset / width
	if offset%width != 0 && offset < 0 {
		idx--
	}

	var out []TimeBucketValue
	for start := bucketEpoch.AddDate(0, 0, int(idx*width)); !start.After(w.End); start = start.AddDate(0, 0, days) {
		out = append(out, TimeBucketValue{Start: start, End: start.AddDate(0, 0, days-1)})
	}
	return out
}
