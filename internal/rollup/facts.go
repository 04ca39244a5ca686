package rollup

import (
	"github.com/shopspring/decimal"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cluster"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/estimate"
)

// fact is one contributing unit before fan-out: an ad or a cluster, either
// in total or for a single region.
type fact struct {
	members   []adlib.ArchiveID
	clusterID int64

	region      string
	spend       estimate.Range
	impressions estimate.Range
	precise     *decimal.Decimal
	window      estimate.Window

	pages   []adlib.PageID
	topics  []adlib.TopicID
	adTypes []string
}

// Input is everything a rollup reads. Both parts are treated as read-only.
type Input struct {
	Snapshot *adlib.Snapshot
	Clusters *cluster.Result
}

func adFacts(in Input, regional bool) []fact {
	out := make([]fact, 0, len(in.Snapshot.Ads))
	for _, ad := range in.Snapshot.Ads {
		base := fact{
			members:   []adlib.ArchiveID{ad.ArchiveID},
			clusterID: in.Clusters.ClusterIDOf(ad.ArchiveID),
			window:    ad.Window(),
			topics:    ad.Topics,
			adTypes:   ad.AdTypes,
		}
		if ad.HasPage() {
			base.pages = []adlib.PageID{ad.PageID}
		}
		if !regional {
			base.spend = ad.Estimate.Spend
			base.impressions = ad.Estimate.Impressions
			base.precise = ad.Estimate.SpendEstimate
			out = append(out, base)
			continue
		}
		for _, r := range ad.Regions {
			f := base
			f.region = r.Region
			f.spend = r.Spend
			f.impressions = r.Impressions
			out = append(out, f)
		}
	}
	return out
}

func clusterFacts(in Input, regional bool) []fact {
	if in.Clusters == nil {
		return nil
	}
	out := make([]fact, 0, len(in.Clusters.Clusters))
	for _, c := range in.Clusters.Clusters {
		base := fact{
			members:   c.Members,
			clusterID: c.ID,
			window:    c.Window,
			pages:     c.Pages,
			topics:    c.Topics,
			adTypes:   c.AdTypes,
		}
		if !regional {
			base.spend = c.Spend
			base.impressions = c.Impressions
			out = append(out, base)
			continue
		}
		for _, r := range c.Regions {
			f := base
			f.region = r.Region
			f.spend = r.Spend
			f.impressions = r.Impressions
			out = append(out, f)
		}
	}
	return out
}

// restrict applies the filter to f, narrowing its multi-valued attributes.
// It reports false when the fact no longer contributes.
func (flt Filter) restrict(f fact) (fact, bool) {
	if len(flt.Regions) > 0 && !containsString(flt.Regions, f.region) {
		return f, false
	}
	if len(flt.AdTypes) > 0 {
		f.adTypes = intersect(f.adTypes, flt.AdTypes)
		if len(f.adTypes) == 0 {
			return f, false
		}
	}
	if len(flt.Pages) > 0 {
		f.pages = intersect(f.pages, flt.Pages)
		if len(f.pages) == 0 {
			return f, false
		}
	}
	if len(flt.Topics) > 0 {
		f.topics = intersect(f.topics, flt.Topics)
		if len(f.topics) == 0 {
			return f, false
		}
	}
	if flt.ExcludeUncategorized {
		kept := make([]adlib.TopicID, 0, len(f.topics))
		for _, t := range f.topics {
			if t != adlib.UncategorizedTopicID {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			return f, false
		}
		f.topics = kept
	}
	return f, true
}

func intersect[T comparable](values, allowed []T) []T {
	out := make([]T, 0, len(values))
	for _, v := range values {
		for _, a := range allowed {
			if v == a {
				out = append(out, v)
				break
			}
		}
	}
	return out
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
