package rollup

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/estimate"
)

// Row is one aggregate for a distinct combination of dimension values.
type Row struct {
	Key Key

	SpendEstimate       decimal.Decimal
	MidpointSpend       decimal.Decimal
	ImpressionsEstimate decimal.Decimal
	MinSpend            decimal.Decimal
	MaxSpend            decimal.Decimal
	MinImpressions      decimal.Decimal
	MaxImpressions      decimal.Decimal
	SpendPerDay         decimal.Decimal

	AdCount      int
	ClusterCount int
	Window       estimate.Window
}

func (r Row) KeyString() string {
	return r.Key.String()
}

// WindowSpendPerDay spreads the summed estimate over the union window.
func (r Row) WindowSpendPerDay() decimal.Decimal {
	return estimate.PerDay(r.SpendEstimate, r.Window)
}

type accumulator struct {
	key      Key
	sum      Row
	ads      map[adlib.ArchiveID]struct{}
	clusters map[int64]struct{}
}

func newAccumulator(key Key) *accumulator {
	return &accumulator{
		key:      key,
		ads:      make(map[adlib.ArchiveID]struct{}),
		clusters: make(map[int64]struct{}),
		sum: Row{
			Key:                 key,
			SpendEstimate:       decimal.Zero,
			MidpointSpend:       decimal.Zero,
			ImpressionsEstimate: decimal.Zero,
			MinSpend:            decimal.Zero,
			MaxSpend:            decimal.Zero,
			MinImpressions:      decimal.Zero,
			MaxImpressions:      decimal.Zero,
			SpendPerDay:         decimal.Zero,
		},
	}
}

func (a *accumulator) add(f fact, period *estimate.Window) {
	point := estimate.Point(f.spend, f.precise)
	perDay := estimate.PerDay(point, f.window)
	window := f.window

	scale := func(v decimal.Decimal) decimal.Decimal { return v }
	if period != nil {
		scale = func(v decimal.Decimal) decimal.Decimal { return estimate.Prorate(v, f.window, *period) }
		window = overlap(f.window, *period)
	}

	r := &a.sum
	r.SpendEstimate = r.SpendEstimate.Add(scale(point))
	r.MidpointSpend = r.MidpointSpend.Add(scale(f.spend.Midpoint()))
	r.ImpressionsEstimate = r.ImpressionsEstimate.Add(scale(f.impressions.Midpoint()))
	r.MinSpend = r.MinSpend.Add(scale(f.spend.Min))
	r.MaxSpend = r.MaxSpend.Add(scale(f.spend.Max))
	r.MinImpressions = r.MinImpressions.Add(scale(f.impressions.Min))
	r.MaxImpressions = r.MaxImpressions.Add(scale(f.impressions.Max))
	r.SpendPerDay = r.SpendPerDay.Add(perDay)
	r.Window = r.Window.Union(window)

	for _, id := range f.members {
		a.ads[id] = struct{}{}
	}
	if f.clusterID != 0 {
		a.clusters[f.clusterID] = struct{}{}
	}
}

func (a *accumulator) row() Row {
	r := a.sum
	r.AdCount = len(a.ads)
	r.ClusterCount = len(a.clusters)
	return r
}

func overlap(w, period estimate.Window) estimate.Window {
	out := w
	if period.Start.After(out.Start) {
		out.Start = period.Start
	}
	if period.End.Before(out.End) {
		out.End = period.End
	}
	if out.End.Before(out.Start) {
		return estimate.Window{}
	}
	return out
}

// Table holds the complete, sorted rows of one spec.
type Table struct {
	Spec  Spec
	Rows  []Row
	index map[string]int
}

func newTable(spec Spec, rows []Row) *Table {
	t := &Table{Spec: spec, Rows: rows, index: make(map[string]int, len(rows))}
	for i, r := range rows {
		t.index[r.KeyString()] = i
	}
	return t
}

// Lookup finds the row for an exact key string.
func (t *Table) Lookup(key string) (Row, bool) {
	if t == nil {
		return Row{}, false
	}
	idx, ok := t.index[key]
	if !ok {
		return Row{}, false
	}
	return t.Rows[idx], true
}

// Match returns rows whose key agrees with every given dimension value.
// Dimensions not named in values match anything.
func (t *Table) Match(values map[Dimension]string) []Row {
	if t == nil {
		return nil
	}
	out := make([]Row, 0)
	for _, r := range t.Rows {
		ok := true
		for d, want := range values {
			v, has := r.Key.Value(d)
			if !has || !strings.EqualFold(v.Key(), strings.TrimSpace(want)) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, r)
		}
	}
	return out
}

// Set is the full collection of tables produced by one refresh.
type Set struct {
	tables map[string]*Table
	names  []string
}

func NewSet(tables []*Table) *Set {
	s := &Set{tables: make(map[string]*Table, len(tables))}
	for _, t := range tables {
		if t == nil {
			continue
		}
		s.tables[t.Spec.Name] = t
		s.names = append(s.names, t.Spec.Name)
	}
	sort.Strings(s.names)
	return s
}

func (s *Set) Table(name string) (*Table, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.tables[name]
	return t, ok
}

func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}

// RowCount sums rows across every table.
func (s *Set) RowCount() int {
	if s == nil {
		return 0
	}
	total := 0
	for _, t := range s.tables {
		total += len(t.Rows)
	}
	return total
}
