package cluster

import (
	"context"
	"encoding/binary"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
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

func u64(v uint64) *uint64 { return &v }

func simhashCreative(id adlib.ArchiveID, simhash uint64) adlib.Creative {
	return adlib.Creative{
		ArchiveID: id,
		Fingerprints: adlib.Fingerprints{
			TextSHA256:  []byte{byte(id), byte(id >> 8), byte(simhash)},
			TextSimhash: u64(simhash),
			Version:     fingerprint.Version,
		},
	}
}

func adsFor(ids ...adlib.ArchiveID) []adlib.Ad {
	out := make([]adlib.Ad, 0, len(ids))
	for _, id := range ids {
		out = append(out, adlib.Ad{ArchiveID: id})
	}
	return out
}

func build(t *testing.T, snap *adlib.Snapshot, opts Options) *Result {
	t.Helper()
	res, _, err := NewBuilder(opts, zerolog.Nop()).Build(context.Background(), snap)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	return res
}

func TestBuildIsTransitive(t *testing.T) {
	t.Parallel()

	a := uint64(0)
	b := uint64(0b111)
	c := uint64(0b111111)
	if fingerprint.Hamming(a, b) != 3 || fingerprint.Hamming(b, c) != 3 || fingerprint.Hamming(a, c) != 6 {
		t.Fatalf("bad fixture distances")
	}

	snap := &adlib.Snapshot{
		Ads:       adsFor(1, 2, 3),
		Creatives: []adlib.Creative{simhashCreative(1, a), simhashCreative(2, b), simhashCreative(3, c)},
	}
	res := build(t, snap, Options{Thresholds: Thresholds{Text: 4}})

	if len(res.Clusters) != 1 {
		t.Fatalf("expected one transitive cluster, got %d", len(res.Clusters))
	}
	if res.Clusters[0].MemberCount != 3 {
		t.Fatalf("expected 3 members, got %d", res.Clusters[0].MemberCount)
	}
}

func TestBuildThresholdIsStrict(t *testing.T) {
	t.Parallel()

	snap := &adlib.Snapshot{
		Ads:       adsFor(1, 2),
		Creatives: []adlib.Creative{simhashCreative(1, 0), simhashCreative(2, 0b1111)},
	}
	if got := len(build(t, snap, Options{Thresholds: Thresholds{Text: 4}}).Clusters); got != 2 {
		t.Fatalf("distance equal to threshold must not join, got %d clusters", got)
	}
	if got := len(build(t, snap, Options{Thresholds: Thresholds{Text: 5}}).Clusters); got != 1 {
		t.Fatalf("distance below threshold must join, got %d clusters", got)
	}
	if got := len(build(t, snap, Options{}).Clusters); got != 2 {
		t.Fatalf("zero threshold disables near pass, got %d clusters", got)
	}
}

func TestBuildExactPassJoinsIdenticalPairs(t *testing.T) {
	t.Parallel()

	shared := adlib.Fingerprints{TextSHA256: []byte("t"), ImageHash: []byte("i"), Version: fingerprint.Version}
	textOnly := adlib.Fingerprints{TextSHA256: []byte("t"), Version: fingerprint.Version}
	snap := &adlib.Snapshot{
		Ads: adsFor(10, 11, 12),
		Creatives: []adlib.Creative{
			{ArchiveID: 10, Fingerprints: shared},
			{ArchiveID: 11, Fingerprints: shared},
			{ArchiveID: 12, Fingerprints: textOnly},
		},
	}
	res := build(t, snap, Options{})
	want := [][]adlib.ArchiveID{{10, 11}, {12}}
	if got := res.Partition(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected partition %v", got)
	}
}

func TestBuildCanonicalDeterminism(t *testing.T) {
	t.Parallel()

	fp := adlib.Fingerprints{TextSHA256: []byte("same"), Version: fingerprint.Version}
	snap := &adlib.Snapshot{
		Ads: []adlib.Ad{
			{ArchiveID: 50, DeliveryStart: day("2021-03-01")},
			{ArchiveID: 99, DeliveryStart: day("2021-02-15")},
		},
		Creatives: []adlib.Creative{{ArchiveID: 50, Fingerprints: fp}, {ArchiveID: 99, Fingerprints: fp}},
	}
	res := build(t, snap, Options{})
	if len(res.Clusters) != 1 || res.Clusters[0].Canonical != 99 {
		t.Fatalf("expected canonical 99, got %+v", res.Clusters)
	}

	snap.Ads[1].DeliveryStart = day("2021-03-01")
	res = build(t, snap, Options{})
	if res.Clusters[0].Canonical != 50 {
		t.Fatalf("expected tie to pick lowest archive id 50, got %d", res.Clusters[0].Canonical)
	}

	snap.Ads[0].DeliveryStart = time.Time{}
	res = build(t, snap, Options{})
	if res.Clusters[0].Canonical != 99 {
		t.Fatalf("expected undated ad to sort last, got %d", res.Clusters[0].Canonical)
	}
}

func TestBuildSingletonsForUnfingerprintedAds(t *testing.T) {
	t.Parallel()

	snap := &adlib.Snapshot{
		Ads: adsFor(3, 1, 2),
		Creatives: []adlib.Creative{
			{ArchiveID: 1},
			{ArchiveID: 2},
			{ArchiveID: 404, Fingerprints: adlib.Fingerprints{TextSHA256: []byte("x"), Version: 1}},
		},
	}
	res := build(t, snap, Options{Thresholds: Thresholds{Text: 10, Image: 10}})
	if len(res.Clusters) != 3 {
		t.Fatalf("expected three singletons, got %d", len(res.Clusters))
	}
	for i, c := range res.Clusters {
		if c.ID != int64(i+1) || c.Canonical != adlib.ArchiveID(i+1) {
			t.Fatalf("expected dense ids ordered by canonical id, got id=%d canonical=%d", c.ID, c.Canonical)
		}
	}
	if _, ok := res.ClusterOf(404); ok {
		t.Fatalf("orphan creative must not create a cluster")
	}
}

func TestBuildAggregates(t *testing.T) {
	t.Parallel()

	precise := decimal.NewFromInt(40)
	fp := adlib.Fingerprints{TextSHA256: []byte("dup"), Version: fingerprint.Version}
	snap := &adlib.Snapshot{
		Ads: []adlib.Ad{
			{
				ArchiveID:     1,
				PageID:        7,
				DeliveryStart: day("2021-01-10"),
				DeliveryStop:  day("2021-01-20"),
				Currency:      "USD",
				FundingEntity: "Committee A",
				Estimate: adlib.ImpressionEstimate{
					Spend:         estimate.NewRange(0, 99),
					Impressions:   estimate.NewRange(1000, 2000),
					SpendEstimate: &precise,
				},
				Topics:  []adlib.TopicID{2, 5},
				AdTypes: []string{"political"},
				Regions: []adlib.RegionImpression{{Region: "Ohio", Spend: estimate.NewRange(0, 50)}},
			},
			{
				ArchiveID:     2,
				PageID:        8,
				DeliveryStart: day("2021-01-05"),
				LastActive:    day("2021-01-25"),
				Currency:      "USD",
				Estimate: adlib.ImpressionEstimate{
					Spend:       estimate.NewRange(100, 199),
					Impressions: estimate.NewRange(0, 1000),
				},
				Topics:  []adlib.TopicID{5},
				AdTypes: []string{"issue"},
				Regions: []adlib.RegionImpression{{Region: "Ohio", Spend: estimate.NewRange(10, 20)}},
			},
		},
		Creatives: []adlib.Creative{
			{ArchiveID: 1, Fingerprints: fp, Language: "en"},
			{ArchiveID: 2, Fingerprints: fp, Language: "es"},
		},
	}
	res := build(t, snap, Options{})
	if len(res.Clusters) != 1 {
		t.Fatalf("expected one cluster, got %d", len(res.Clusters))
	}
	c := res.Clusters[0]

	if c.Canonical != 2 {
		t.Fatalf("expected canonical 2, got %d", c.Canonical)
	}
	if !c.Spend.Min.Equal(decimal.NewFromInt(100)) || !c.Spend.Max.Equal(decimal.NewFromInt(298)) {
		t.Fatalf("unexpected spend sum %s..%s", c.Spend.Min, c.Spend.Max)
	}
	if !c.SpendPoint().Equal(decimal.NewFromInt(199)) {
		t.Fatalf("expected cluster midpoint over summed range 199, got %s", c.SpendPoint())
	}
	if !c.PreciseSpend.Equal(precise) || c.PreciseCount != 1 {
		t.Fatalf("unexpected precise spend %s/%d", c.PreciseSpend, c.PreciseCount)
	}
	if !c.Window.Start.Equal(day("2021-01-05")) || !c.Window.End.Equal(day("2021-01-25")) {
		t.Fatalf("unexpected window %v..%v", c.Window.Start, c.Window.End)
	}
	if !reflect.DeepEqual(c.Pages, []adlib.PageID{7, 8}) || c.NumPages() != 2 {
		t.Fatalf("unexpected pages %v", c.Pages)
	}
	if !reflect.DeepEqual(c.Topics, []adlib.TopicID{2, 5}) {
		t.Fatalf("unexpected topics %v", c.Topics)
	}
	if !reflect.DeepEqual(c.AdTypes, []string{"issue", "political"}) {
		t.Fatalf("unexpected ad types %v", c.AdTypes)
	}
	if !reflect.DeepEqual(c.Languages, []string{"en", "es"}) {
		t.Fatalf("unexpected languages %v", c.Languages)
	}
	if !reflect.DeepEqual(c.Currencies, []string{"USD"}) || !reflect.DeepEqual(c.FundingEntities, []string{"Committee A"}) {
		t.Fatalf("unexpected currencies/funders %v %v", c.Currencies, c.FundingEntities)
	}
	if len(c.Regions) != 1 || !c.Regions[0].Spend.Max.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("unexpected region totals %+v", c.Regions)
	}
}

// randomSnapshot produces creatives that form chains of near-duplicates plus
// exact repeats across ads.
func randomSnapshot(seed int64, n int) *adlib.Snapshot {
	rng := rand.New(rand.NewSource(seed))
	snap := &adlib.Snapshot{}
	bases := make([]uint64, 8)
	for i := range bases {
		bases[i] = rng.Uint64()
	}
	for i := 1; i <= n; i++ {
		id := adlib.ArchiveID(i*100 + rng.Intn(100))
		snap.Ads = append(snap.Ads, adlib.Ad{ArchiveID: id, DeliveryStart: day("2021-01-01").AddDate(0, 0, rng.Intn(30))})
		base := bases[rng.Intn(len(bases))]
		flips := rng.Intn(6)
		for f := 0; f < flips; f++ {
			base ^= uint64(1) << uint(rng.Intn(64))
		}
		fp := adlib.Fingerprints{
			TextSHA256:  binary.BigEndian.AppendUint64(nil, base),
			TextSimhash: u64(base),
			Version:     fingerprint.Version,
		}
		if rng.Intn(3) == 0 {
			img := bases[rng.Intn(len(bases))] ^ uint64(rng.Intn(4))
			fp.ImageHash = binary.BigEndian.AppendUint64(nil, img)
			fp.ImageDHash = u64(img)
		}
		snap.Creatives = append(snap.Creatives, adlib.Creative{ArchiveID: id, Fingerprints: fp})
		if rng.Intn(4) == 0 {
			snap.Creatives = append(snap.Creatives, adlib.Creative{ArchiveID: id})
		}
	}
	return snap
}

func TestBuildIdempotentUnderShuffle(t *testing.T) {
	t.Parallel()

	snap := randomSnapshot(7, 200)
	opts := Options{Thresholds: Thresholds{Text: 4, Image: 3}}
	first := build(t, snap, opts)

	rng := rand.New(rand.NewSource(99))
	rng.Shuffle(len(snap.Creatives), func(i, j int) { snap.Creatives[i], snap.Creatives[j] = snap.Creatives[j], snap.Creatives[i] })
	rng.Shuffle(len(snap.Ads), func(i, j int) { snap.Ads[i], snap.Ads[j] = snap.Ads[j], snap.Ads[i] })
	second := build(t, snap, opts)

	if !reflect.DeepEqual(first.Partition(), second.Partition()) {
		t.Fatalf("partition changed between identical runs")
	}
	for i := range first.Clusters {
		if first.Clusters[i].ID != second.Clusters[i].ID || first.Clusters[i].Canonical != second.Clusters[i].Canonical {
			t.Fatalf("cluster ids are not reproducible at index %d", i)
		}
	}
}

func TestPartitionedMergeMatchesSingleWriter(t *testing.T) {
	t.Parallel()

	for seed := int64(1); seed <= 5; seed++ {
		snap := randomSnapshot(seed, 150)
		opts := Options{Thresholds: Thresholds{Text: 5, Image: 2}}
		single := build(t, snap, opts)
		for _, partitions := range []int{2, 3, 8} {
			opts.Partitions = partitions
			merged := build(t, snap, opts)
			if !reflect.DeepEqual(single.Partition(), merged.Partition()) {
				t.Fatalf("seed %d partitions %d: merged partition differs from single writer", seed, partitions)
			}
		}
	}
}

func TestBandIndexMatchesBruteForce(t *testing.T) {
	t.Parallel()

	snap := randomSnapshot(42, 120)
	entries := make([]entry, 0, len(snap.Creatives))
	for _, c := range snap.Creatives {
		if e, ok := newEntry(c); ok {
			entries = append(entries, e)
		}
	}

	for _, th := range []Thresholds{{Text: 1}, {Text: 3}, {Text: 7, Image: 2}, {Image: 5}} {
		banded := newUnionFind(len(entries))
		nearPass(banded, exactPass(banded, entries), th, false)

		brute := newUnionFind(len(entries))
		nearPassBruteForce(brute, exactPass(brute, entries), th)

		if !reflect.DeepEqual(partitionOf(banded), partitionOf(brute)) {
			t.Fatalf("banded index disagrees with brute force for %+v", th)
		}
	}
}

func partitionOf(uf *unionFind) map[adlib.ArchiveID]adlib.ArchiveID {
	out := make(map[adlib.ArchiveID]adlib.ArchiveID, len(uf.parent))
	for id := range uf.parent {
		out[id] = uf.find(id)
	}
	return out
}

func TestBuildHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewBuilder(Options{Partitions: 2}, zerolog.Nop()).Build(ctx, randomSnapshot(3, 10))
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}

// nearPassBruteForce compares every pair. The banded index must agree
// with it.
func nearPassBruteForce(uf *unionFind, reps []entry, th Thresholds) {
	for i := 0; i < len(reps); i++ {
		for j := i + 1; j < len(reps); j++ {
			if similar(reps[i], reps[j], th) {
				uf.union(reps[i].archiveID, reps[j].archiveID)
			}
		}
	}
}
