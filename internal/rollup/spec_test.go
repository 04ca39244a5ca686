package rollup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultSpecsCoverRequiredCombinations(t *testing.T) {
	t.Parallel()

	specs, err := DefaultSpecs()
	if err != nil {
		t.Fatalf("DefaultSpecs returned error: %v", err)
	}

	required := [][]Dimension{
		{DimRegion},
		{DimRegion, DimTopic},
		{DimRegion, DimAdType},
		{DimRegion, DimAdType, DimPage},
		{DimRegion, DimAdType, DimPageOwner},
		{DimTopic},
		{DimTopic, DimPage},
		{DimTopic, DimPageOwner},
		{DimAdType, DimPage},
		{DimAdType, DimPageOwner},
		{DimAdType},
		{},
	}
	for _, dims := range required {
		if !hasAdSpec(specs, dims) {
			t.Fatalf("no ad-unit spec groups by %v", dims)
		}
	}
}

func hasAdSpec(specs []Spec, dims []Dimension) bool {
	for _, s := range specs {
		if s.Unit != UnitAd || len(s.Dimensions) != len(dims) || len(s.Filter.AdTypes) > 0 {
			continue
		}
		match := true
		for _, d := range dims {
			if !s.Has(d) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestParseSpecsExpandsVariants(t *testing.T) {
	t.Parallel()

	specs, err := ParseSpecs([]byte(`
specs:
  - name: topic
    dimensions: [topic]
    variants: [region, all_regions]
  - name: weekly
    dimensions: [time_bucket]
`))
	if err != nil {
		t.Fatalf("ParseSpecs returned error: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 specs, got %d", len(specs))
	}
	regional, ok := specNamed(specs, "topic_by_region")
	if !ok {
		t.Fatalf("expected topic_by_region spec")
	}
	if regional.Dimensions[0] != DimRegion || regional.Dimensions[1] != DimTopic || regional.Unit != UnitAd {
		t.Fatalf("unexpected regional spec %+v", regional)
	}
	weekly, _ := specNamed(specs, "weekly")
	if weekly.BucketDays != DefaultBucketDays {
		t.Fatalf("expected default bucket days, got %d", weekly.BucketDays)
	}
}

func TestParseSpecsRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown dimension": "specs:\n  - name: a\n    dimensions: [color]\n",
		"duplicate name":    "specs:\n  - name: a\n  - name: a\n",
		"bad unit":          "specs:\n  - name: a\n    unit: creative\n",
		"bad variant":       "specs:\n  - name: a\n    variants: [galaxy]\n",
		"double region":     "specs:\n  - name: a\n    dimensions: [region]\n    variants: [region]\n",
		"empty":             "specs: []\n",
	}
	for name, doc := range cases {
		if _, err := ParseSpecs([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadSpecsFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rollups.yaml")
	if err := os.WriteFile(path, []byte("specs:\n  - name: only\n    dimensions: [page_owner]\n"), 0o600); err != nil {
		t.Fatalf("write specs: %v", err)
	}
	specs, err := LoadSpecs(path)
	if err != nil {
		t.Fatalf("LoadSpecs returned error: %v", err)
	}
	if len(specs) != 1 || specs[0].Name != "only" {
		t.Fatalf("unexpected specs %+v", specs)
	}

	if _, err := LoadSpecs(filepath.Join(dir, "missing.yaml")); err == nil || !strings.Contains(err.Error(), "read rollup specs") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestTimeBucketsAlignToMonday(t *testing.T) {
	t.Parallel()

	w := struct{ start, end string }{"2021-03-03", "2021-03-16"}
	buckets := timeBuckets(windowOf(w.start, w.end), 7)
	if len(buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(buckets))
	}
	if buckets[0].Start.Weekday() != time.Monday || buckets[0].Key() != "2021-03-01" {
		t.Fatalf("unexpected first bucket %s", buckets[0].Label())
	}
	if buckets[2].End.Format(time.DateOnly) != "2021-03-21" {
		t.Fatalf("unexpected last bucket %s", buckets[2].Label())
	}

	early := timeBuckets(windowOf("1969-12-31", "1969-12-31"), 7)
	if len(early) != 1 || early[0].Key() != "1969-12-29" {
		t.Fatalf("unexpected pre-epoch bucket %+v", early)
	}
}

func specNamed(specs []Spec, name string) (Spec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}
