package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/fingerprint"
)

const currentFingerprintVersion = fingerprint.Version

// Every read below joins through adobs.published_generation, so a query never
// mixes rows of two generations.

// GenerationInfo describes the published generation.
type GenerationInfo struct {
	GenerationID   string    `json:"generation_id"`
	RunUUID        string    `json:"run_uuid"`
	SnapshotAt     time.Time `json:"snapshot_at"`
	PublishedAt    time.Time `json:"published_at"`
	AdCount        int       `json:"ad_count"`
	ClusterCount   int       `json:"cluster_count"`
	RollupRowCount int       `json:"rollup_row_count"`
}

// QueryPublishedGeneration returns ErrNoRows before the first publish.
func (p *Pool) QueryPublishedGeneration(ctx context.Context) (*GenerationInfo, error) {
	const q = `
SELECT
	dg.generation_id::text,
	dg.run_uuid::text,
	dg.snapshot_at,
	pg.published_at,
	dg.ad_count,
	dg.cluster_count,
	dg.rollup_row_count
FROM adobs.published_generation pg
JOIN adobs.derived_generations dg
	ON dg.generation_id = pg.generation_id
`
	var info GenerationInfo
	if err := p.QueryRow(ctx, q).Scan(
		&info.GenerationID,
		&info.RunUUID,
		&info.SnapshotAt,
		&info.PublishedAt,
		&info.AdCount,
		&info.ClusterCount,
		&info.RollupRowCount,
	); err != nil {
		return nil, err
	}
	return &info, nil
}

// ClusterView is the read model of one published cluster.
type ClusterView struct {
	ClusterID           int64             `json:"cluster_id"`
	CanonicalArchiveID  int64             `json:"canonical_archive_id"`
	MemberCount         int               `json:"member_count"`
	Members             []int64           `json:"archive_ids"`
	MinSpendSum         decimal.Decimal   `json:"min_spend_sum"`
	MaxSpendSum         decimal.Decimal   `json:"max_spend_sum"`
	MinImpressionsSum   decimal.Decimal   `json:"min_impressions_sum"`
	MaxImpressionsSum   decimal.Decimal   `json:"max_impressions_sum"`
	SpendEstimate       decimal.Decimal   `json:"spend_estimate"`
	ImpressionsEstimate decimal.Decimal   `json:"impressions_estimate"`
	StartDate           *time.Time        `json:"min_ad_delivery_start_time,omitempty"`
	EndDate             *time.Time        `json:"max_last_active_date,omitempty"`
	NumPages            int               `json:"num_pages"`
	PageIDs             []int64           `json:"page_ids"`
	TopicIDs            []int64           `json:"topic_ids"`
	AdTypes             []string          `json:"ad_types"`
	Languages           []string          `json:"languages"`
	Currencies          []string          `json:"currencies"`
	FundingEntities     []string          `json:"funding_entities"`
	Regions             []RegionTotalJSON `json:"regions"`
}

// QueryCluster loads one published cluster with its members.
func (p *Pool) QueryCluster(ctx context.Context, clusterID int64) (*ClusterView, error) {
	const q = `
SELECT
	c.cluster_id,
	c.canonical_archive_id,
	c.member_count,
	c.min_spend_sum,
	c.max_spend_sum,
	c.min_impressions_sum,
	c.max_impressions_sum,
	c.spend_estimate,
	c.impressions_estimate,
	c.min_ad_delivery_start_time,
	c.max_last_active_date,
	c.num_pages,
	c.page_ids,
	c.topic_ids,
	c.ad_types,
	c.languages,
	c.currencies,
	c.funding_entities,
	c.regions
FROM adobs.clusters c
JOIN adobs.published_generation pg
	ON pg.generation_id = c.generation_id
WHERE c.cluster_id = $1
`
	var (
		view                                 ClusterView
		pages, topics, adTypes, languages    []byte
		currencies, fundingEntities, regions []byte
	)
	if err := p.QueryRow(ctx, q, clusterID).Scan(
		&view.ClusterID,
		&view.CanonicalArchiveID,
		&view.MemberCount,
		&view.MinSpendSum,
		&view.MaxSpendSum,
		&view.MinImpressionsSum,
		&view.MaxImpressionsSum,
		&view.SpendEstimate,
		&view.ImpressionsEstimate,
		&view.StartDate,
		&view.EndDate,
		&view.NumPages,
		&pages,
		&topics,
		&adTypes,
		&languages,
		&currencies,
		&fundingEntities,
		&regions,
	); err != nil {
		return nil, err
	}

	for _, field := range []struct {
		name string
		raw  []byte
		dest any
	}{
		{"page_ids", pages, &view.PageIDs},
		{"topic_ids", topics, &view.TopicIDs},
		{"ad_types", adTypes, &view.AdTypes},
		{"languages", languages, &view.Languages},
		{"currencies", currencies, &view.Currencies},
		{"funding_entities", fundingEntities, &view.FundingEntities},
		{"regions", regions, &view.Regions},
	} {
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return nil, fmt.Errorf("decode cluster %s: %w", field.name, err)
		}
	}

	const membersQuery = `
SELECT cm.archive_id
FROM adobs.cluster_members cm
JOIN adobs.published_generation pg
	ON pg.generation_id = cm.generation_id
WHERE cm.cluster_id = $1
ORDER BY cm.archive_id
`
	rows, err := p.Query(ctx, membersQuery, clusterID)
	if err != nil {
		return nil, fmt.Errorf("query cluster members: %w", err)
	}
	defer rows.Close()

	view.Members = make([]int64, 0, view.MemberCount)
	for rows.Next() {
		var archiveID int64
		if err := rows.Scan(&archiveID); err != nil {
			return nil, fmt.Errorf("scan cluster member: %w", err)
		}
		view.Members = append(view.Members, archiveID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster members: %w", err)
	}
	return &view, nil
}

// QueryClusterIDForAd returns the published cluster containing archiveID.
func (p *Pool) QueryClusterIDForAd(ctx context.Context, archiveID int64) (int64, error) {
	const q = `
SELECT cm.cluster_id
FROM adobs.cluster_members cm
JOIN adobs.published_generation pg
	ON pg.generation_id = cm.generation_id
WHERE cm.archive_id = $1
`
	var clusterID int64
	if err := p.QueryRow(ctx, q, archiveID).Scan(&clusterID); err != nil {
		return 0, err
	}
	return clusterID, nil
}

// SpecSummary counts the published rows of one rollup spec.
type SpecSummary struct {
	Spec string `json:"spec"`
	Rows int64  `json:"rows"`
}

func (p *Pool) QueryRollupSpecs(ctx context.Context) ([]SpecSummary, error) {
	const q = `
SELECT r.spec_name, COUNT(*)::BIGINT
FROM adobs.rollup_rows r
JOIN adobs.published_generation pg
	ON pg.generation_id = r.generation_id
GROUP BY r.spec_name
ORDER BY r.spec_name
`
	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query rollup specs: %w", err)
	}
	defer rows.Close()

	out := make([]SpecSummary, 0, 32)
	for rows.Next() {
		var s SpecSummary
		if err := rows.Scan(&s.Spec, &s.Rows); err != nil {
			return nil, fmt.Errorf("scan rollup spec: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rollup specs: %w", err)
	}
	return out, nil
}

// RollupRowView is the read model of one published rollup row.
type RollupRowView struct {
	Spec                string                   `json:"spec"`
	Key                 string                   `json:"key"`
	Dimensions          map[string]DimensionJSON `json:"dimensions"`
	SpendEstimate       decimal.Decimal          `json:"spend_estimate"`
	MidpointSpend       decimal.Decimal          `json:"midpoint_spend"`
	ImpressionsEstimate decimal.Decimal          `json:"impressions_estimate"`
	MinSpend            decimal.Decimal          `json:"min_spend"`
	MaxSpend            decimal.Decimal          `json:"max_spend"`
	MinImpressions      decimal.Decimal          `json:"min_impressions"`
	MaxImpressions      decimal.Decimal          `json:"max_impressions"`
	SpendPerDay         decimal.Decimal          `json:"spend_per_day"`
	AdCount             int                      `json:"ad_count"`
	ClusterCount        int                      `json:"cluster_count"`
	WindowStart         *time.Time               `json:"window_start,omitempty"`
	WindowEnd           *time.Time               `json:"window_end,omitempty"`
}

// QueryRollupRows lists published rows of spec whose dimensions match every
// entry of filter (dimension name to value key), ordered by spend.
func (p *Pool) QueryRollupRows(ctx context.Context, spec string, filter map[string]string, limit int) ([]RollupRowView, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("spec is required")
	}
	if limit <= 0 {
		limit = 100
	}
	containment, err := dimensionContainment(filter)
	if err != nil {
		return nil, err
	}

	const q = `
SELECT
	r.row_key,
	r.dimensions,
	r.spend_estimate,
	r.midpoint_spend,
	r.impressions_estimate,
	r.min_spend,
	r.max_spend,
	r.min_impressions,
	r.max_impressions,
	r.spend_per_day,
	r.ad_count,
	r.cluster_count,
	r.window_start,
	r.window_end
FROM adobs.rollup_rows r
JOIN adobs.published_generation pg
	ON pg.generation_id = r.generation_id
WHERE r.spec_name = $1
  AND r.dimensions @> $2::jsonb
ORDER BY r.spend_estimate DESC, r.row_key
LIMIT $3
`
	rows, err := p.Query(ctx, q, spec, containment, limit)
	if err != nil {
		return nil, fmt.Errorf("query rollup rows: %w", err)
	}
	defer rows.Close()

	out := make([]RollupRowView, 0, limit)
	for rows.Next() {
		view := RollupRowView{Spec: spec}
		var dims []byte
		if err := rows.Scan(
			&view.Key,
			&dims,
			&view.SpendEstimate,
			&view.MidpointSpend,
			&view.ImpressionsEstimate,
			&view.MinSpend,
			&view.MaxSpend,
			&view.MinImpressions,
			&view.MaxImpressions,
			&view.SpendPerDay,
			&view.AdCount,
			&view.ClusterCount,
			&view.WindowStart,
			&view.WindowEnd,
		); err != nil {
			return nil, fmt.Errorf("scan rollup row: %w", err)
		}
		if err := json.Unmarshal(dims, &view.Dimensions); err != nil {
			return nil, fmt.Errorf("decode rollup row dimensions: %w", err)
		}
		out = append(out, view)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rollup rows: %w", err)
	}
	return out, nil
}

// dimensionContainment builds the jsonb document a row's dimensions must
// contain, e.g. {"topic":{"key":"3"}}. An empty filter matches every row.
func dimensionContainment(filter map[string]string) (string, error) {
	names := make([]string, 0, len(filter))
	for name := range filter {
		names = append(names, name)
	}
	sort.Strings(names)

	doc := make(map[string]DimensionJSON, len(filter))
	for _, name := range names {
		key := strings.TrimSpace(filter[name])
		if strings.TrimSpace(name) == "" || key == "" {
			return "", fmt.Errorf("dimension filter %q=%q is incomplete", name, filter[name])
		}
		doc[strings.TrimSpace(name)] = DimensionJSON{Key: key}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// RefreshRunView is one row of the refresh ledger.
type RefreshRunView struct {
	RunUUID      string     `json:"run_uuid"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	FailedStage  *string    `json:"failed_stage,omitempty"`
	ErrorMessage *string    `json:"error,omitempty"`
	GenerationID *string    `json:"generation_id,omitempty"`
	Clusters     int        `json:"clusters"`
	RollupRows   int        `json:"rollup_rows"`
}

func (p *Pool) QueryRecentRefreshRuns(ctx context.Context, limit int) ([]RefreshRunView, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
SELECT
	run_uuid::text,
	status::text,
	started_at,
	finished_at,
	failed_stage,
	error_message,
	generation_id::text,
	clusters,
	rollup_rows
FROM adobs.refresh_runs
ORDER BY started_at DESC
LIMIT $1
`
	rows, err := p.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query refresh runs: %w", err)
	}
	defer rows.Close()

	out := make([]RefreshRunView, 0, limit)
	for rows.Next() {
		var run RefreshRunView
		if err := rows.Scan(
			&run.RunUUID,
			&run.Status,
			&run.StartedAt,
			&run.FinishedAt,
			&run.FailedStage,
			&run.ErrorMessage,
			&run.GenerationID,
			&run.Clusters,
			&run.RollupRows,
		); err != nil {
			return nil, fmt.Errorf("scan refresh run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh runs: %w", err)
	}
	return out, nil
}
