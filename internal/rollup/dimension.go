package rollup

import (
	"fmt"
	"strings"
	"time"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
)

// Dimension names one grouping axis of a rollup.
type Dimension string

const (
	DimRegion     Dimension = "region"
	DimTopic      Dimension = "topic"
	DimPage       Dimension = "page"
	DimPageOwner  Dimension = "page_owner"
	DimAdType     Dimension = "ad_type"
	DimTimeBucket Dimension = "time_bucket"
)

var knownDimensions = map[Dimension]int{
	DimRegion:     0,
	DimTopic:      1,
	DimAdType:     2,
	DimPage:       3,
	DimPageOwner:  4,
	DimTimeBucket: 5,
}

func ParseDimension(raw string) (Dimension, error) {
	d := Dimension(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownDimensions[d]; !ok {
		return "", fmt.Errorf("unknown rollup dimension %q", raw)
	}
	return d, nil
}

// Value is one dimension value of a rollup key. Each dimension has exactly
// one payload type.
type Value interface {
	Dimension() Dimension
	// Key is the stable external form used in row keys and lookups.
	Key() string
	// Label is a human readable name, empty when unknown.
	Label() string
	sortKey() string
}

type RegionValue struct {
	Region string
}

func (v RegionValue) Dimension() Dimension { return DimRegion }
func (v RegionValue) Key() string          { return v.Region }
func (v RegionValue) Label() string        { return v.Region }
func (v RegionValue) sortKey() string      { return v.Region }

type TopicValue struct {
	ID   adlib.TopicID
	Name string
}

func (v TopicValue) Dimension() Dimension { return DimTopic }
func (v TopicValue) Key() string          { return fmt.Sprintf("%d", v.ID) }
func (v TopicValue) Label() string        { return v.Name }
func (v TopicValue) sortKey() string      { return fmt.Sprintf("%020d", v.ID) }

type PageValue struct {
	ID   adlib.PageID
	Name string
}

func (v PageValue) Dimension() Dimension { return DimPage }
func (v PageValue) Key() string          { return fmt.Sprintf("%d", v.ID) }
func (v PageValue) Label() string        { return v.Name }
func (v PageValue) sortKey() string      { return fmt.Sprintf("%020d", v.ID) }

type PageOwnerValue struct {
	ID   adlib.PageID
	Name string
}

func (v PageOwnerValue) Dimension() Dimension { return DimPageOwner }
func (v PageOwnerValue) Key() string          { return fmt.Sprintf("%d", v.ID) }
func (v PageOwnerValue) Label() string        { return v.Name }
func (v PageOwnerValue) sortKey() string      { return fmt.Sprintf("%020d", v.ID) }

type AdTypeValue struct {
	AdType string
}

func (v AdTypeValue) Dimension() Dimension { return DimAdType }
func (v AdTypeValue) Key() string          { return v.AdType }
func (v AdTypeValue) Label() string        { return v.AdType }
func (v AdTypeValue) sortKey() string      { return v.AdType }

// TimeBucketValue is a fixed-width day bucket. End is inclusive.
type TimeBucketValue struct {
	Start time.Time
	End   time.Time
}

func (v TimeBucketValue) Dimension() Dimension { return DimTimeBucket }
func (v TimeBucketValue) Key() string          { return v.Start.Format(time.DateOnly) }
func (v TimeBucketValue) Label() string {
	return v.Start.Format(time.DateOnly) + ".." + v.End.Format(time.DateOnly)
}
func (v TimeBucketValue) sortKey() string { return v.Start.Format(time.DateOnly) }

// Key is an ordered tuple of dimension values, one per spec dimension.
type Key []Value

// String renders the key as dimension=value pairs joined by "|".
func (k Key) String() string {
	parts := make([]string, 0, len(k))
	for _, v := range k {
		parts = append(parts, string(v.Dimension())+"="+v.Key())
	}
	return strings.Join(parts, "|")
}

func (k Key) sortString() string {
	parts := make([]string, 0, len(k))
	for _, v := range k {
		parts = append(parts, v.sortKey())
	}
	return strings.Join(parts, "\x00")
}

// Value returns the key component for d.
func (k Key) Value(d Dimension) (Value, bool) {
	for _, v := range k {
		if v.Dimension() == d {
			return v, true
		}
	}
	return nil, false
}
