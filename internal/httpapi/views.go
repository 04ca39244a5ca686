package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cluster"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/estimate"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/rollup"
)

// rangeView and the other views carry decimals, which marshal as JSON strings.
type rangeView struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

func newRangeView(r estimate.Range) rangeView {
	return rangeView{Min: r.Min, Max: r.Max}
}

type regionTotalView struct {
	Region      string    `json:"region"`
	Spend       rangeView `json:"spend"`
	Impressions rangeView `json:"impressions"`
}

type clusterView struct {
	ClusterID           int64             `json:"cluster_id"`
	CanonicalArchiveID  int64             `json:"canonical_archive_id"`
	MemberCount         int               `json:"member_count"`
	Members             []int64           `json:"members"`
	Spend               rangeView         `json:"spend"`
	Impressions         rangeView         `json:"impressions"`
	SpendEstimate       decimal.Decimal   `json:"spend_estimate"`
	ImpressionsEstimate decimal.Decimal   `json:"impressions_estimate"`
	PreciseSpend        decimal.Decimal   `json:"precise_spend"`
	PreciseCount        int               `json:"precise_count"`
	StartDate           *string           `json:"start_date,omitempty"`
	EndDate             *string           `json:"end_date,omitempty"`
	NumPages            int               `json:"num_pages"`
	PageIDs             []int64           `json:"page_ids"`
	TopicIDs            []int64           `json:"topic_ids"`
	AdTypes             []string          `json:"ad_types"`
	Languages           []string          `json:"languages"`
	Currencies          []string          `json:"currencies"`
	FundingEntities     []string          `json:"funding_entities"`
	Regions             []regionTotalView `json:"regions"`
}

func newClusterView(c cluster.Cluster) clusterView {
	view := clusterView{
		ClusterID:           c.ID,
		CanonicalArchiveID:  int64(c.Canonical),
		MemberCount:         c.MemberCount,
		Members:             make([]int64, 0, len(c.Members)),
		Spend:               newRangeView(c.Spend),
		Impressions:         newRangeView(c.Impressions),
		SpendEstimate:       c.SpendPoint(),
		ImpressionsEstimate: c.ImpressionsPoint(),
		PreciseSpend:        c.PreciseSpend,
		PreciseCount:        c.PreciseCount,
		StartDate:           formatDay(c.StartDate()),
		EndDate:             formatDay(c.EndDate()),
		NumPages:            c.NumPages(),
		PageIDs:             make([]int64, 0, len(c.Pages)),
		TopicIDs:            make([]int64, 0, len(c.Topics)),
		AdTypes:             nonNilStrings(c.AdTypes),
		Languages:           nonNilStrings(c.Languages),
		Currencies:          nonNilStrings(c.Currencies),
		FundingEntities:     nonNilStrings(c.FundingEntities),
		Regions:             make([]regionTotalView, 0, len(c.Regions)),
	}
	for _, id := range c.Members {
		view.Members = append(view.Members, int64(id))
	}
	for _, id := range c.Pages {
		view.PageIDs = append(view.PageIDs, int64(id))
	}
	for _, id := range c.Topics {
		view.TopicIDs = append(view.TopicIDs, int64(id))
	}
	for _, r := range c.Regions {
		view.Regions = append(view.Regions, regionTotalView{
			Region:      r.Region,
			Spend:       newRangeView(r.Spend),
			Impressions: newRangeView(r.Impressions),
		})
	}
	return view
}

type specView struct {
	Name       string   `json:"name"`
	Unit       string   `json:"unit"`
	Dimensions []string `json:"dimensions"`
	BucketDays int      `json:"bucket_days,omitempty"`
	Rows       int      `json:"rows"`
}

func newSpecView(t *rollup.Table) specView {
	dims := make([]string, 0, len(t.Spec.Dimensions))
	for _, d := range t.Spec.Dimensions {
		dims = append(dims, string(d))
	}
	view := specView{
		Name:       t.Spec.Name,
		Unit:       string(t.Spec.Unit),
		Dimensions: dims,
		Rows:       len(t.Rows),
	}
	if t.Spec.Has(rollup.DimTimeBucket) {
		view.BucketDays = t.Spec.BucketDays
	}
	return view
}

type dimensionView struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
}

type rowView struct {
	Key                 string                   `json:"key"`
	Dimensions          map[string]dimensionView `json:"dimensions"`
	SpendEstimate       decimal.Decimal          `json:"spend_estimate"`
	MidpointSpend       decimal.Decimal          `json:"midpoint_spend"`
	ImpressionsEstimate decimal.Decimal          `json:"impressions_estimate"`
	MinSpend            decimal.Decimal          `json:"min_spend"`
	MaxSpend            decimal.Decimal          `json:"max_spend"`
	MinImpressions      decimal.Decimal          `json:"min_impressions"`
	MaxImpressions      decimal.Decimal          `json:"max_impressions"`
	SpendPerDay         decimal.Decimal          `json:"spend_per_day"`
	WindowSpendPerDay   decimal.Decimal          `json:"window_spend_per_day"`
	AdCount             int                      `json:"ad_count"`
	ClusterCount        int                      `json:"cluster_count"`
	WindowStart         *string                  `json:"window_start,omitempty"`
	WindowEnd           *string                  `json:"window_end,omitempty"`
}

func newRowView(r rollup.Row) rowView {
	view := rowView{
		Key:                 r.KeyString(),
		Dimensions:          make(map[string]dimensionView, len(r.Key)),
		SpendEstimate:       r.SpendEstimate,
		MidpointSpend:       r.MidpointSpend,
		ImpressionsEstimate: r.ImpressionsEstimate,
		MinSpend:            r.MinSpend,
		MaxSpend:            r.MaxSpend,
		MinImpressions:      r.MinImpressions,
		MaxImpressions:      r.MaxImpressions,
		SpendPerDay:         r.SpendPerDay,
		WindowSpendPerDay:   r.WindowSpendPerDay(),
		AdCount:             r.AdCount,
		ClusterCount:        r.ClusterCount,
	}
	for _, v := range r.Key {
		dim := dimensionView{Key: v.Key()}
		if label := v.Label(); label != v.Key() {
			dim.Label = label
		}
		view.Dimensions[string(v.Dimension())] = dim
	}
	if !r.Window.IsZero() {
		view.WindowStart = formatDay(&r.Window.Start)
		view.WindowEnd = formatDay(&r.Window.End)
	}
	return view
}

func formatDay(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.Format(time.DateOnly)
	return &s
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
