package rollup

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cluster"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/estimate"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/fingerprint"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func fixture(t *testing.T) Input {
	t.Helper()

	precise := dec(250)
	snap := &adlib.Snapshot{
		Pages: map[adlib.PageID]adlib.Page{
			10: {ID: 10, Name: "Local Chapter", OwnerID: 20},
			11: {ID: 11, Name: "Independent"},
			20: {ID: 20, Name: "National Org"},
		},
		Topics: map[adlib.TopicID]adlib.Topic{
			1: {ID: 1, Name: "Health"},
			2: {ID: 2, Name: "Economy"},
		},
		Ads: []adlib.Ad{
			{
				ArchiveID:     1,
				PageID:        10,
				DeliveryStart: day("2021-03-01"),
				DeliveryStop:  day("2021-03-03"),
				Estimate: adlib.ImpressionEstimate{
					Spend:       estimate.NewRange(50, 150),
					Impressions: estimate.NewRange(1000, 2000),
				},
				Topics:  []adlib.TopicID{1, 2},
				AdTypes: []string{"political"},
				Regions: []adlib.RegionImpression{
					{Region: "Ohio", Spend: estimate.NewRange(20, 40), Impressions: estimate.NewRange(100, 300)},
					{Region: "Texas", Spend: estimate.NewRange(30, 110), Impressions: estimate.NewRange(900, 1700)},
				},
			},
			{
				ArchiveID:     2,
				PageID:        11,
				DeliveryStart: day("2021-02-25"),
				DeliveryStop:  day("2021-03-02"),
				Estimate: adlib.ImpressionEstimate{
					Spend:         estimate.NewRange(100, 200),
					Impressions:   estimate.NewRange(500, 700),
					SpendEstimate: &precise,
				},
				Topics:  []adlib.TopicID{1},
				AdTypes: []string{"political", "issue"},
				Regions: []adlib.RegionImpression{
					{Region: "Ohio", Spend: estimate.NewRange(100, 200), Impressions: estimate.NewRange(500, 700)},
				},
			},
			{
				ArchiveID:     3,
				DeliveryStart: day("2021-03-10"),
				Estimate: adlib.ImpressionEstimate{
					Spend: estimate.NewRange(0, 99),
				},
			},
		},
	}
	snap.Prepare(zerolog.Nop())

	res, _, err := cluster.NewBuilder(cluster.Options{}, zerolog.Nop()).Build(context.Background(), snap)
	if err != nil {
		t.Fatalf("build clusters: %v", err)
	}
	return Input{Snapshot: snap, Clusters: res}
}

func mustRow(t *testing.T, table *Table, key string) Row {
	t.Helper()
	row, ok := table.Lookup(key)
	if !ok {
		t.Fatalf("missing row %q in %s; have %d rows", key, table.Spec.Name, len(table.Rows))
	}
	return row
}

func TestComputeAdditivityAndWindowUnion(t *testing.T) {
	t.Parallel()

	in := fixture(t)
	table := Compute(in, Spec{Name: "topic", Dimensions: []Dimension{DimTopic}, Unit: UnitAd})

	row := mustRow(t, table, "topic=1")
	if !row.SpendEstimate.Equal(dec(350)) {
		t.Fatalf("expected summed estimate 350, got %s", row.SpendEstimate)
	}
	if !row.MidpointSpend.Equal(dec(250)) {
		t.Fatalf("expected summed midpoint 250, got %s", row.MidpointSpend)
	}
	if !row.Window.Start.Equal(day("2021-02-25")) || !row.Window.End.Equal(day("2021-03-03")) {
		t.Fatalf("expected union window, got %v..%v", row.Window.Start, row.Window.End)
	}
	if row.AdCount != 2 || row.ClusterCount != 2 {
		t.Fatalf("unexpected counts ads=%d clusters=%d", row.AdCount, row.ClusterCount)
	}
	if !row.MinSpend.Equal(dec(150)) || !row.MaxSpend.Equal(dec(350)) {
		t.Fatalf("unexpected range sums %s..%s", row.MinSpend, row.MaxSpend)
	}
	// 100/3 days + 250/6 days
	want := dec(100).Div(dec(3)).Add(dec(250).Div(dec(6)))
	if !row.SpendPerDay.Equal(want) {
		t.Fatalf("unexpected spend per day %s, want %s", row.SpendPerDay, want)
	}
}

func TestComputeFansOutAcrossTopics(t *testing.T) {
	t.Parallel()

	in := fixture(t)
	table := Compute(in, Spec{Name: "topic", Dimensions: []Dimension{DimTopic}, Unit: UnitAd})

	economy := mustRow(t, table, "topic=2")
	if !economy.SpendEstimate.Equal(dec(100)) {
		t.Fatalf("expected ad 1 full estimate under topic 2, got %s", economy.SpendEstimate)
	}
	health := mustRow(t, table, "topic=1")
	total := health.SpendEstimate.Add(economy.SpendEstimate)
	if !total.GreaterThan(dec(350)) {
		t.Fatalf("expected topic totals to exceed distinct spend, got %s", total)
	}
	if _, ok := table.Lookup("topic=0"); !ok {
		t.Fatalf("expected uncategorized row for ad 3")
	}
	if len(table.Rows) != 3 {
		t.Fatalf("expected 3 topic rows, got %d", len(table.Rows))
	}
	if table.Rows[0].KeyString() != "topic=0" || table.Rows[2].KeyString() != "topic=2" {
		t.Fatalf("rows are not sorted by key")
	}
}

func TestComputePageDimensionsSkipPagelessAds(t *testing.T) {
	t.Parallel()

	in := fixture(t)
	pages := Compute(in, Spec{Name: "page", Dimensions: []Dimension{DimPage}, Unit: UnitAd})
	if len(pages.Rows) != 2 {
		t.Fatalf("expected rows only for pages 10 and 11, got %d", len(pages.Rows))
	}
	if v, _ := mustRow(t, pages, "page=10").Key.Value(DimPage); v.Label() != "Local Chapter" {
		t.Fatalf("expected page label, got %q", v.Label())
	}

	owners := Compute(in, Spec{Name: "owner", Dimensions: []Dimension{DimPageOwner}, Unit: UnitAd})
	national := mustRow(t, owners, "page_owner=20")
	if !national.SpendEstimate.Equal(dec(100)) {
		t.Fatalf("expected owned page to roll into owner 20, got %s", national.SpendEstimate)
	}
	if _, ok := owners.Lookup("page_owner=11"); !ok {
		t.Fatalf("expected unowned page to be its own owner")
	}
	if _, ok := owners.Lookup("page_owner=10"); ok {
		t.Fatalf("owned page must not appear as an owner")
	}
}

func TestComputeRegionVariantUsesRegionResults(t *testing.T) {
	t.Parallel()

	in := fixture(t)
	table := Compute(in, Spec{Name: "topic_by_region", Dimensions: []Dimension{DimRegion, DimTopic}, Unit: UnitAd})

	ohio := mustRow(t, table, "region=Ohio|topic=1")
	// Region results carry no precise estimate: 30 + 150.
	if !ohio.SpendEstimate.Equal(dec(180)) {
		t.Fatalf("expected Ohio/topic 1 estimate 180, got %s", ohio.SpendEstimate)
	}
	texas := mustRow(t, table, "region=Texas|topic=2")
	if !texas.SpendEstimate.Equal(dec(70)) {
		t.Fatalf("expected Texas/topic 2 estimate 70, got %s", texas.SpendEstimate)
	}
	if _, ok := table.Lookup("region=Texas|topic=0"); ok {
		t.Fatalf("ads without region results must not emit region rows")
	}
	if len(table.Rows) != 4 {
		t.Fatalf("expected 4 region/topic rows, got %d", len(table.Rows))
	}
}

func TestComputeAdTypeFilter(t *testing.T) {
	t.Parallel()

	in := fixture(t)
	table := Compute(in, Spec{
		Name:       "issue_ad_type",
		Dimensions: []Dimension{DimAdType},
		Unit:       UnitAd,
		Filter:     Filter{AdTypes: []string{"issue"}},
	})
	if len(table.Rows) != 1 {
		t.Fatalf("expected only the issue row, got %d", len(table.Rows))
	}
	if row := mustRow(t, table, "ad_type=issue"); row.AdCount != 1 {
		t.Fatalf("expected one issue ad, got %d", row.AdCount)
	}

	regionFiltered := Compute(in, Spec{Name: "ohio_total", Unit: UnitAd, Filter: Filter{Regions: []string{"Ohio"}}})
	row := mustRow(t, regionFiltered, "")
	if !row.SpendEstimate.Equal(dec(180)) {
		t.Fatalf("expected Ohio-only total 180, got %s", row.SpendEstimate)
	}

	noUncat := Compute(in, Spec{Name: "topics", Dimensions: []Dimension{DimTopic}, Unit: UnitAd, Filter: Filter{ExcludeUncategorized: true}})
	if _, ok := noUncat.Lookup("topic=0"); ok {
		t.Fatalf("expected uncategorized row to be filtered")
	}
}

func TestComputeTimeBucketsProrate(t *testing.T) {
	t.Parallel()

	in := fixture(t)
	table := Compute(in, Spec{Name: "weekly", Dimensions: []Dimension{DimTimeBucket}, Unit: UnitAd, BucketDays: 7})

	// 2021-02-22 and 2021-03-01 are Mondays. Ad 2 spans 6 days, 4 in the
	// first week; ad 1 falls in the second week; ad 3 in the third.
	first := mustRow(t, table, "time_bucket=2021-02-22")
	want := dec(250).Div(dec(6)).Mul(dec(4))
	if !first.SpendEstimate.Equal(want) {
		t.Fatalf("expected prorated %s, got %s", want, first.SpendEstimate)
	}
	if !first.Window.Start.Equal(day("2021-02-25")) || !first.Window.End.Equal(day("2021-02-28")) {
		t.Fatalf("expected window clipped to bucket, got %v..%v", first.Window.Start, first.Window.End)
	}
	second := mustRow(t, table, "time_bucket=2021-03-01")
	if second.AdCount != 2 {
		t.Fatalf("expected both ads active in second week, got %d", second.AdCount)
	}
	third := mustRow(t, table, "time_bucket=2021-03-08")
	if !third.SpendEstimate.Equal(decimal.RequireFromString("49.5")) {
		t.Fatalf("expected ad 3 in third bucket, got %s", third.SpendEstimate)
	}
	if len(table.Rows) != 3 {
		t.Fatalf("expected 3 weekly rows, got %d", len(table.Rows))
	}
}

func TestComputeClusterUnitUsesSummedRanges(t *testing.T) {
	t.Parallel()

	in := fixture(t)
	fp := adlib.Fingerprints{TextSHA256: []byte("dup"), Version: fingerprint.Version}
	in.Snapshot.Creatives = []adlib.Creative{{ArchiveID: 1, Fingerprints: fp}, {ArchiveID: 2, Fingerprints: fp}}
	res, _, err := cluster.NewBuilder(cluster.Options{}, zerolog.Nop()).Build(context.Background(), in.Snapshot)
	if err != nil {
		t.Fatalf("build clusters: %v", err)
	}
	in.Clusters = res

	table := Compute(in, Spec{Name: "cluster_topic", Dimensions: []Dimension{DimTopic}, Unit: UnitCluster})
	row := mustRow(t, table, "topic=1")
	// Clusters interpolate the summed range: (150 + 350) / 2.
	if !row.SpendEstimate.Equal(dec(250)) {
		t.Fatalf("expected cluster midpoint 250, got %s", row.SpendEstimate)
	}
	if row.ClusterCount != 1 || row.AdCount != 2 {
		t.Fatalf("unexpected counts clusters=%d ads=%d", row.ClusterCount, row.AdCount)
	}
}

func TestRunComputesEverySpec(t *testing.T) {
	t.Parallel()

	specs, err := DefaultSpecs()
	if err != nil {
		t.Fatalf("DefaultSpecs returned error: %v", err)
	}
	in := fixture(t)
	set, err := NewEngine(3, zerolog.Nop()).Run(context.Background(), in, specs)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(set.Names()) != len(specs) {
		t.Fatalf("expected %d tables, got %d", len(specs), len(set.Names()))
	}

	again, err := NewEngine(1, zerolog.Nop()).Run(context.Background(), in, specs)
	if err != nil {
		t.Fatalf("second Run returned error: %v", err)
	}
	for _, name := range set.Names() {
		a, _ := set.Table(name)
		b, _ := again.Table(name)
		if len(a.Rows) != len(b.Rows) {
			t.Fatalf("%s: row count differs between runs", name)
		}
		for i := range a.Rows {
			if a.Rows[i].KeyString() != b.Rows[i].KeyString() || !a.Rows[i].SpendEstimate.Equal(b.Rows[i].SpendEstimate) {
				t.Fatalf("%s: row %d differs between runs", name, i)
			}
		}
	}
}

func TestRunRejectsCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	specs := []Spec{{Name: "total", Unit: UnitAd}}
	if _, err := NewEngine(1, zerolog.Nop()).Run(ctx, fixture(t), specs); err == nil {
		t.Fatalf("expected cancelled run to fail")
	}
}

func TestTableMatch(t *testing.T) {
	t.Parallel()

	in := fixture(t)
	table := Compute(in, Spec{Name: "topic_by_region", Dimensions: []Dimension{DimRegion, DimTopic}, Unit: UnitAd})
	rows := table.Match(map[Dimension]string{DimRegion: "ohio"})
	if len(rows) != 2 {
		t.Fatalf("expected 2 Ohio rows, got %d", len(rows))
	}
}

func windowOf(start, end string) estimate.Window {
	return estimate.NewWindow(day(start), day(end))
}
