package rollup

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
)

//go:embed rollups.yaml
var defaultSpecsYAML []byte

// Unit selects whether a rollup aggregates individual ads or whole clusters.
type Unit string

const (
	UnitAd      Unit = "ad"
	UnitCluster Unit = "cluster"
)

const DefaultBucketDays = 7

// Filter restricts which facts contribute to a rollup. Every non-empty list
// narrows the matching attribute of a fact; a fact left with no value for a
// narrowed attribute does not contribute.
type Filter struct {
	Regions              []string        `yaml:"regions"`
	AdTypes              []string        `yaml:"ad_types"`
	Topics               []adlib.TopicID `yaml:"topics"`
	Pages                []adlib.PageID  `yaml:"pages"`
	ExcludeUncategorized bool            `yaml:"exclude_uncategorized"`
}

func (f Filter) usesRegions() bool {
	return len(f.Regions) > 0
}

// Spec declares one rollup: its grouping dimensions, aggregation unit and
// filter.
type Spec struct {
	Name       string
	Dimensions []Dimension
	Unit       Unit
	Filter     Filter
	BucketDays int
}

func (s Spec) Has(d Dimension) bool {
	for _, dim := range s.Dimensions {
		if dim == d {
			return true
		}
	}
	return false
}

// regional reports whether the spec reads per-region results instead of ad totals.
func (s Spec) regional() bool {
	return s.Has(DimRegion) || s.Filter.usesRegions()
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("rollup spec name is required")
	}
	switch s.Unit {
	case UnitAd, UnitCluster:
	default:
		return fmt.Errorf("rollup %s: unknown unit %q", s.Name, s.Unit)
	}
	seen := make(map[Dimension]struct{}, len(s.Dimensions))
	for _, d := range s.Dimensions {
		if _, ok := knownDimensions[d]; !ok {
			return fmt.Errorf("rollup %s: unknown dimension %q", s.Name, d)
		}
		if _, dup := seen[d]; dup {
			return fmt.Errorf("rollup %s: duplicate dimension %q", s.Name, d)
		}
		seen[d] = struct{}{}
	}
	if s.Has(DimTimeBucket) && s.BucketDays < 1 {
		return fmt.Errorf("rollup %s: bucket_days must be >= 1", s.Name)
	}
	return nil
}

type specFile struct {
	Specs []specEntry `yaml:"specs"`
}

type specEntry struct {
	Name       string   `yaml:"name"`
	Dimensions []string `yaml:"dimensions"`
	Unit       string   `yaml:"unit"`
	Filter     Filter   `yaml:"filter"`
	BucketDays int      `yaml:"bucket_days"`
	// Variants expands one entry into a per-region spec and an all-regions spec.
	Variants []string `yaml:"variants"`
}

// DefaultSpecs returns the built-in rollup set.
func DefaultSpecs() ([]Spec, error) {
	return ParseSpecs(defaultSpecsYAML)
}

// LoadSpecs reads specs from path, or the built-in set when path is empty.
func LoadSpecs(path string) ([]Spec, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultSpecs()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rollup specs: %w", err)
	}
	return ParseSpecs(data)
}

func ParseSpecs(data []byte) ([]Spec, error) {
	var file specFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rollup specs: %w", err)
	}
	if len(file.Specs) == 0 {
		return nil, fmt.Errorf("rollup specs file declares no specs")
	}

	out := make([]Spec, 0, len(file.Specs)*2)
	names := make(map[string]struct{})
	for _, entry := range file.Specs {
		expanded, err := entry.expand()
		if err != nil {
			return nil, err
		}
		for _, spec := range expanded {
			if err := spec.Validate(); err != nil {
				return nil, err
			}
			if _, dup := names[spec.Name]; dup {
				return nil, fmt.Errorf("duplicate rollup spec name %q", spec.Name)
			}
			names[spec.Name] = struct{}{}
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (e specEntry) expand() ([]Spec, error) {
	base := Spec{
		Name:       strings.TrimSpace(e.Name),
		Unit:       Unit(strings.ToLower(strings.TrimSpace(e.Unit))),
		Filter:     e.Filter,
		BucketDays: e.BucketDays,
	}
	if base.Unit == "" {
		base.Unit = UnitAd
	}
	for _, raw := range e.Dimensions {
		d, err := ParseDimension(raw)
		if err != nil {
			return nil, fmt.Errorf("rollup %s: %w", base.Name, err)
		}
		base.Dimensions = append(base.Dimensions, d)
	}
	if base.Has(DimTimeBucket) && base.BucketDays == 0 {
		base.BucketDays = DefaultBucketDays
	}

	if len(e.Variants) == 0 {
		return []Spec{base}, nil
	}

	out := make([]Spec, 0, len(e.Variants))
	for _, variant := range e.Variants {
		switch strings.ToLower(strings.TrimSpace(variant)) {
		case "all_regions":
			out = append(out, base)
		case "region":
			if base.Has(DimRegion) {
				return nil, fmt.Errorf("rollup %s: region variant on a spec that already groups by region", base.Name)
			}
			regional := base
			regional.Name = base.Name + "_by_region"
			regional.Dimensions = append([]Dimension{DimRegion}, base.Dimensions...)
			out = append(out, regional)
		default:
			return nil, fmt.Errorf("rollup %s: unknown variant %q", base.Name, variant)
		}
	}
	return out, nil
}
