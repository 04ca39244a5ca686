package db

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm/logger"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cluster"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/estimate"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/fingerprint"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/rollup"
)

func TestClusterModelEncodesSets(t *testing.T) {
	t.Parallel()

	start := time.Date(2020, 9, 1, 0, 0, 0, 0, time.UTC)
	c := cluster.Cluster{
		ID:           3,
		Canonical:    50,
		Members:      []adlib.ArchiveID{50, 99},
		MemberCount:  2,
		Spend:        estimate.NewRange(100, 200),
		Impressions:  estimate.NewRange(1000, 3000),
		PreciseSpend: decimal.NewFromInt(120),
		PreciseCount: 1,
		Window:       estimate.NewWindow(start, start.AddDate(0, 0, 9)),
		Pages:        []adlib.PageID{7},
		Languages:    []string{"en"},
		Regions: []cluster.RegionTotal{
			{Region: "Ohio", Spend: estimate.NewRange(0, 99), Impressions: estimate.NewRange(0, 999)},
		},
	}

	model, err := clusterModel("gen", c)
	if err != nil {
		t.Fatalf("clusterModel error: %v", err)
	}
	if model.ClusterID != 3 || model.CanonicalArchiveID != 50 || model.NumPages != 1 {
		t.Fatalf("unexpected cluster model: %+v", model)
	}
	if !model.SpendEstimate.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected spend estimate 150, got %s", model.SpendEstimate)
	}
	if model.MinAdDeliveryStartTime == nil || !model.MinAdDeliveryStartTime.Equal(start) {
		t.Fatalf("unexpected start date: %v", model.MinAdDeliveryStartTime)
	}
	if string(model.TopicIDs) != "[]" || string(model.Currencies) != "[]" {
		t.Fatalf("expected empty sets to encode as [], got %s and %s", model.TopicIDs, model.Currencies)
	}
	if string(model.PageIDs) != "[7]" {
		t.Fatalf("expected page ids [7], got %s", model.PageIDs)
	}

	var regions []RegionTotalJSON
	if err := json.Unmarshal(model.Regions, &regions); err != nil {
		t.Fatalf("decode regions: %v", err)
	}
	if len(regions) != 1 || regions[0].Region != "Ohio" || regions[0].MaxSpend != "99" {
		t.Fatalf("unexpected regions: %+v", regions)
	}
}

func TestRollupRowModel(t *testing.T) {
	t.Parallel()

	row := rollup.Row{
		Key: rollup.Key{
			rollup.TopicValue{ID: 3, Name: "Health"},
			rollup.RegionValue{Region: "Ohio"},
		},
		SpendEstimate: decimal.NewFromInt(350),
		AdCount:       2,
		ClusterCount:  1,
	}

	model, err := rollupRowModel("gen", "topic_by_region", row)
	if err != nil {
		t.Fatalf("rollupRowModel error: %v", err)
	}
	if model.RowKey != "topic=3|region=Ohio" {
		t.Fatalf("unexpected row key %q", model.RowKey)
	}
	if model.WindowStart != nil || model.WindowEnd != nil {
		t.Fatalf("expected zero window to store NULL dates")
	}

	var dims map[string]DimensionJSON
	if err := json.Unmarshal(model.Dimensions, &dims); err != nil {
		t.Fatalf("decode dimensions: %v", err)
	}
	if dims["topic"].Key != "3" || dims["topic"].Label != "Health" || dims["region"].Key != "Ohio" {
		t.Fatalf("unexpected dimensions: %+v", dims)
	}
}

func TestDimensionContainment(t *testing.T) {
	t.Parallel()

	got, err := dimensionContainment(map[string]string{"topic": " 3 ", "region": "Ohio"})
	if err != nil {
		t.Fatalf("dimensionContainment error: %v", err)
	}
	if got != `{"region":{"key":"Ohio"},"topic":{"key":"3"}}` {
		t.Fatalf("unexpected containment document %s", got)
	}

	empty, err := dimensionContainment(nil)
	if err != nil || empty != "{}" {
		t.Fatalf("expected empty filter to match everything, got %q (%v)", empty, err)
	}

	if _, err := dimensionContainment(map[string]string{"topic": " "}); err == nil {
		t.Fatalf("expected blank filter value to fail")
	}
}

func TestSignedFingerprintRoundTrip(t *testing.T) {
	t.Parallel()

	value := uint64(0xfedcba9876543210)
	signed := toSigned(&value)
	if signed == nil || *signed >= 0 {
		t.Fatalf("expected high-bit value to store as negative bigint, got %v", signed)
	}
	back := fromSigned(signed)
	if back == nil || *back != value {
		t.Fatalf("round trip mismatch: %v", back)
	}
	if toSigned(nil) != nil || fromSigned(nil) != nil {
		t.Fatalf("expected nil to stay nil")
	}
}

func TestResolveGormLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		level string
		env   string
		want  logger.LogLevel
	}{
		{"debug", "production", logger.Info},
		{"info", "production", logger.Warn},
		{"error", "local", logger.Error},
		{"silent", "local", logger.Silent},
		{"bogus", "local", logger.Warn},
		{"bogus", "production", logger.Error},
	}
	for _, tc := range cases {
		if got := resolveGormLogLevel(tc.level, tc.env); got != tc.want {
			t.Fatalf("resolveGormLogLevel(%q, %q) = %v, want %v", tc.level, tc.env, got, tc.want)
		}
	}

	if zerologLevel(logger.Info) != zerolog.DebugLevel || zerologLevel(logger.Error) != zerolog.ErrorLevel {
		t.Fatalf("unexpected gorm to zerolog level mapping")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if truncate("abcdef", 3) != "abc" || truncate("ab", 3) != "ab" {
		t.Fatalf("unexpected truncate result")
	}
	if nullableString("  ") != nil {
		t.Fatalf("expected blank string to be NULL")
	}
}

func TestNullableVersionKeepsPendingCreativesNull(t *testing.T) {
	t.Parallel()

	if nullableVersion(0) != nil {
		t.Fatalf("expected version 0 to be stored as NULL")
	}
	if v := nullableVersion(fingerprint.Version); v == nil || *v != fingerprint.Version {
		t.Fatalf("expected current version to be stored, got %v", v)
	}
}
