package adlib

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/estimate"
)

func TestPrepareAssignsUncategorizedAndSwapsRanges(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{
		Ads: []Ad{
			{ArchiveID: 2, Topics: []TopicID{7}},
			{
				ArchiveID: 1,
				Estimate:  ImpressionEstimate{Spend: estimate.NewRange(500, 100)},
				Regions:   []RegionImpression{{Region: "Ohio", Impressions: estimate.NewRange(9, 3)}},
			},
		},
	}
	report := snap.Prepare(zerolog.Nop())

	if snap.Ads[0].ArchiveID != 1 {
		t.Fatalf("expected ads sorted by archive id")
	}
	if len(snap.Ads[0].Topics) != 1 || snap.Ads[0].Topics[0] != UncategorizedTopicID {
		t.Fatalf("expected uncategorized topic, got %v", snap.Ads[0].Topics)
	}
	if report.Uncategorized != 1 || report.SwappedRanges != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if snap.Ads[0].Estimate.Spend.Inverted() || snap.Ads[0].Regions[0].Impressions.Inverted() {
		t.Fatalf("expected ranges to be normalized")
	}
	if _, ok := snap.Topics[UncategorizedTopicID]; !ok {
		t.Fatalf("expected sentinel topic to be registered")
	}
}

func TestPrepareFlattensOwnershipChains(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{
		Pages: map[PageID]Page{
			1:  {ID: 1},
			2:  {ID: 2, OwnerID: 1},
			3:  {ID: 3, OwnerID: 2},
			4:  {ID: 4},
			10: {ID: 10, OwnerID: 11},
			11: {ID: 11, OwnerID: 10},
		},
	}
	report := snap.Prepare(zerolog.Nop())

	if got := snap.OwnerOf(2); got != 1 {
		t.Fatalf("expected owner 1 for page 2, got %d", got)
	}
	if got := snap.OwnerOf(3); got != 1 {
		t.Fatalf("expected page 3 flattened to owner 1, got %d", got)
	}
	if got := snap.OwnerOf(4); got != 4 {
		t.Fatalf("expected unowned page to own itself, got %d", got)
	}
	if got := snap.OwnerOf(99); got != 99 {
		t.Fatalf("expected unknown page to own itself, got %d", got)
	}
	if report.FlattenedOwners != 1 {
		t.Fatalf("expected one flattened owner, got %d", report.FlattenedOwners)
	}
	if report.BrokenOwnerCycles != 2 {
		t.Fatalf("expected both cycle members to be cut, got %d", report.BrokenOwnerCycles)
	}
	if snap.OwnerOf(10) != 10 || snap.OwnerOf(11) != 11 {
		t.Fatalf("expected cycle members to own themselves")
	}
}

func TestAdWindowFallbacks(t *testing.T) {
	t.Parallel()

	ad := Ad{
		CreationTime: mustDate("2021-01-01"),
		DeliveryStop: mustDate("2021-01-05"),
	}
	w := ad.Window()
	if !w.Start.Equal(mustDate("2021-01-01")) || !w.End.Equal(mustDate("2021-01-05")) {
		t.Fatalf("unexpected window %v..%v", w.Start, w.End)
	}

	ad.LastActive = mustDate("2021-01-09")
	if got := ad.Window().Days(); got != 9 {
		t.Fatalf("expected last active date to extend window to 9 days, got %d", got)
	}
}

func TestCreativeText(t *testing.T) {
	t.Parallel()

	c := Creative{Body: " Vote early ", LinkTitle: "", LinkCaption: "example.org"}
	if got := c.Text(); got != "Vote early\nexample.org" {
		t.Fatalf("unexpected creative text %q", got)
	}
}
