package cluster

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/estimate"
)

// Cluster is one equivalence class of duplicate ads.
type Cluster struct {
	ID          int64
	Canonical   adlib.ArchiveID
	Members     []adlib.ArchiveID
	MemberCount int

	Spend        estimate.Range
	Impressions  estimate.Range
	PreciseSpend decimal.Decimal
	PreciseCount int
	Window       estimate.Window

	Pages           []adlib.PageID
	Topics          []adlib.TopicID
	AdTypes         []string
	Languages       []string
	Currencies      []string
	FundingEntities []string
	Regions         []RegionTotal
}

// RegionTotal is the summed per-region range across cluster members.
type RegionTotal struct {
	Region      string
	Spend       estimate.Range
	Impressions estimate.Range
}

// SpendPoint is the midpoint of the summed spend range.
func (c Cluster) SpendPoint() decimal.Decimal {
	return c.Spend.Midpoint()
}

func (c Cluster) ImpressionsPoint() decimal.Decimal {
	return c.Impressions.Midpoint()
}

func (c Cluster) NumPages() int {
	return len(c.Pages)
}

// canonicalLess orders ads by delivery start, undated ads last, then by
// archive id.
func canonicalLess(a, b adlib.Ad) bool {
	as, bs := a.DeliveryStart, b.DeliveryStart
	switch {
	case as.IsZero() && !bs.IsZero():
		return false
	case !as.IsZero() && bs.IsZero():
		return true
	case !as.Equal(bs):
		return as.Before(bs)
	}
	return a.ArchiveID < b.ArchiveID
}

// Canonical picks the representative of a non-empty member set.
func Canonical(members []adlib.Ad) adlib.Ad {
	best := members[0]
	for _, ad := range members[1:] {
		if canonicalLess(ad, best) {
			best = ad
		}
	}
	return best
}

func assemble(snap *adlib.Snapshot, uf *unionFind) *Result {
	ads := snap.AdsByID()

	languages := make(map[adlib.ArchiveID][]string)
	for _, c := range snap.Creatives {
		if c.Language != "" {
			languages[c.ArchiveID] = append(languages[c.ArchiveID], c.Language)
		}
	}

	sets := uf.sets()
	clusters := make([]Cluster, 0, len(sets))
	for _, ids := range sets {
		members := make([]adlib.Ad, 0, len(ids))
		for _, id := range ids {
			if ad, ok := ads[id]; ok {
				members = append(members, ad)
			}
		}
		if len(members) == 0 {
			continue
		}
		clusters = append(clusters, aggregate(members, languages))
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Canonical < clusters[j].Canonical })
	for i := range clusters {
		clusters[i].ID = int64(i + 1)
	}
	return newResult(clusters)
}

func aggregate(members []adlib.Ad, languages map[adlib.ArchiveID][]string) Cluster {
	sort.Slice(members, func(i, j int) bool { return members[i].ArchiveID < members[j].ArchiveID })

	out := Cluster{
		Canonical:    Canonical(members).ArchiveID,
		Members:      make([]adlib.ArchiveID, 0, len(members)),
		MemberCount:  len(members),
		PreciseSpend: decimal.Zero,
	}

	pages := newSet[adlib.PageID]()
	topics := newSet[adlib.TopicID]()
	adTypes := newSet[string]()
	langs := newSet[string]()
	currencies := newSet[string]()
	funders := newSet[string]()
	regions := make(map[string]*RegionTotal)

	for _, ad := range members {
		out.Members = append(out.Members, ad.ArchiveID)
		out.Spend = out.Spend.Add(ad.Estimate.Spend)
		out.Impressions = out.Impressions.Add(ad.Estimate.Impressions)
		if ad.Estimate.SpendEstimate != nil {
			out.PreciseSpend = out.PreciseSpend.Add(*ad.Estimate.SpendEstimate)
			out.PreciseCount++
		}
		out.Window = out.Window.Union(ad.Window())

		if ad.HasPage() {
			pages.add(ad.PageID)
		}
		for _, t := range ad.Topics {
			topics.add(t)
		}
		for _, at := range ad.AdTypes {
			addNonBlank(adTypes, at)
		}
		for _, l := range languages[ad.ArchiveID] {
			addNonBlank(langs, l)
		}
		addNonBlank(currencies, ad.Currency)
		addNonBlank(funders, ad.FundingEntity)

		for _, r := range ad.Regions {
			total, ok := regions[r.Region]
			if !ok {
				total = &RegionTotal{Region: r.Region}
				regions[r.Region] = total
			}
			total.Spend = total.Spend.Add(r.Spend)
			total.Impressions = total.Impressions.Add(r.Impressions)
		}
	}

	out.Pages = pages.sorted(func(a, b adlib.PageID) bool { return a < b })
	out.Topics = topics.sorted(func(a, b adlib.TopicID) bool { return a < b })
	out.AdTypes = adTypes.sorted(lessString)
	out.Languages = langs.sorted(lessString)
	out.Currencies = currencies.sorted(lessString)
	out.FundingEntities = funders.sorted(lessString)

	out.Regions = make([]RegionTotal, 0, len(regions))
	for _, total := range regions {
		out.Regions = append(out.Regions, *total)
	}
	sort.Slice(out.Regions, func(i, j int) bool { return out.Regions[i].Region < out.Regions[j].Region })
	return out
}

// StartDate and EndDate expose the window bounds as nullable values.
func (c Cluster) StartDate() *time.Time {
	if c.Window.IsZero() {
		return nil
	}
	start := c.Window.Start
	return &start
}

func (c Cluster) EndDate() *time.Time {
	if c.Window.IsZero() {
		return nil
	}
	end := c.Window.End
	return &end
}

type set[T comparable] map[T]struct{}

func newSet[T comparable]() set[T] {
	return make(set[T])
}

func (s set[T]) add(v T) {
	s[v] = struct{}{}
}

func (s set[T]) sorted(less func(a, b T) bool) []T {
	out := make([]T, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func lessString(a, b string) bool { return a < b }

func addNonBlank(s set[string], v string) {
	if v = strings.TrimSpace(v); v != "" {
		s.add(v)
	}
}
