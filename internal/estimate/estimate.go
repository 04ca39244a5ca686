// Package estimate turns range-valued spend and impression figures into point
// estimates and per-day rates.
package estimate

import (
	"time"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// Range is an inclusive [Min, Max] bound reported by the ad library.
type Range struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

func NewRange(minValue, maxValue int64) Range {
	return Range{Min: decimal.NewFromInt(minValue), Max: decimal.NewFromInt(maxValue)}
}

// Normalize returns the range with Min <= Max and reports whether the bounds
// had to be swapped.
func (r Range) Normalize() (Range, bool) {
	if r.Min.GreaterThan(r.Max) {
		return Range{Min: r.Max, Max: r.Min}, true
	}
	return r, false
}

func (r Range) Inverted() bool {
	return r.Min.GreaterThan(r.Max)
}

func (r Range) Midpoint() decimal.Decimal {
	return r.Min.Add(r.Max).Div(two)
}

// Add sums two ranges bound by bound.
func (r Range) Add(other Range) Range {
	return Range{Min: r.Min.Add(other.Min), Max: r.Max.Add(other.Max)}
}

func (r Range) IsZero() bool {
	return r.Min.IsZero() && r.Max.IsZero()
}

// Point is the precise estimate when one is given and the range midpoint otherwise.
func Point(r Range, precise *decimal.Decimal) decimal.Decimal {
	if precise != nil {
		return *precise
	}
	return r.Midpoint()
}

// Window is a day-granular delivery window. Bounds are UTC midnights and
// Start never follows End once constructed through NewWindow.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow truncates both bounds to UTC days and swaps them when end precedes
// start. A zero bound collapses onto the other one.
func NewWindow(start, end time.Time) Window {
	switch {
	case start.IsZero() && end.IsZero():
		return Window{}
	case start.IsZero():
		start = end
	case end.IsZero():
		end = start
	}
	start, end = Day(start), Day(end)
	if end.Before(start) {
		start, end = end, start
	}
	return Window{Start: start, End: end}
}

func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Days is the inclusive day count of the window. Unknown windows count as one day.
func (w Window) Days() int64 {
	if w.IsZero() {
		return 1
	}
	start, end := w.Start, w.End
	if end.Before(start) {
		start, end = end, start
	}
	return int64(end.Sub(start).Hours()/24) + 1
}

// Union widens the window to cover other. Zero windows are ignored.
func (w Window) Union(other Window) Window {
	if other.IsZero() {
		return w
	}
	if w.IsZero() {
		return other
	}
	out := w
	if other.Start.Before(out.Start) {
		out.Start = other.Start
	}
	if other.End.After(out.End) {
		out.End = other.End
	}
	return out
}

// PerDay spreads point evenly over the inclusive days of w.
func PerDay(point decimal.Decimal, w Window) decimal.Decimal {
	days := w.Days()
	if days <= 1 {
		return point
	}
	return point.Div(decimal.NewFromInt(days))
}

// ActiveDaysIn counts the days of w that fall inside period.
func ActiveDaysIn(w, period Window) int64 {
	if w.IsZero() || period.IsZero() {
		return 0
	}
	start := w.Start
	if period.Start.After(start) {
		start = period.Start
	}
	end := w.End
	if period.End.Before(end) {
		end = period.End
	}
	if end.Before(start) {
		return 0
	}
	return int64(end.Sub(start).Hours()/24) + 1
}

// Prorate attributes the share of point that falls inside period, assuming
// delivery was uniform across w. Shares are differences of cumulative
// amounts, so disjoint periods that tile w sum to exactly point.
func Prorate(point decimal.Decimal, w, period Window) decimal.Decimal {
	active := ActiveDaysIn(w, period)
	if active == 0 {
		return decimal.Zero
	}
	days := w.Days()
	if active >= days {
		return point
	}
	var offset int64
	if period.Start.After(w.Start) {
		offset = int64(period.Start.Sub(w.Start).Hours() / 24)
	}
	return cumulative(point, offset+active, days).Sub(cumulative(point, offset, days))
}

// cumulative is the part of point delivered in the first n of days.
func cumulative(point decimal.Decimal, n, days int64) decimal.Decimal {
	switch {
	case n <= 0:
		return decimal.Zero
	case n >= days:
		return point
	}
	return point.Mul(decimal.NewFromInt(n)).Div(decimal.NewFromInt(days))
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Estimate is the interpolated view of one range over one window.
type Estimate struct {
	Range    Range
	Point    decimal.Decimal
	Midpoint decimal.Decimal
	PerDay   decimal.Decimal
	Swapped  bool
}

// Interpolate normalizes r, picks the point estimate, and derives the per-day
// rate over w. It never fails; Swapped reports an inverted input range.
func Interpolate(r Range, precise *decimal.Decimal, w Window) Estimate {
	normalized, swapped := r.Normalize()
	point := Point(normalized, precise)
	return Estimate{
		Range:    normalized,
		Point:    point,
		Midpoint: normalized.Midpoint(),
		PerDay:   PerDay(point, w),
		Swapped:  swapped,
	}
}
