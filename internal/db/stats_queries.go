package db

import (
	"context"
	"fmt"
	"time"
)

// StatsSourceCounts stores row counts of the source tables.
type StatsSourceCounts struct {
	Ads       int64 `json:"ads"`
	Creatives int64 `json:"creatives"`
	Pages     int64 `json:"pages"`
	Topics    int64 `json:"topics"`
	Regions   int64 `json:"region_results"`
}

// StatsThroughput stores daily ingest and pending fingerprint counters.
type StatsThroughput struct {
	AdsModifiedToday      int64 `json:"ads_modified_today"`
	PagesModifiedToday    int64 `json:"pages_modified_today"`
	PendingFingerprint    int64 `json:"pending_fingerprint"`
	AdsWithoutImpressions int64 `json:"ads_without_impressions"`
}

// StatsPublished describes the live derived generation.
type StatsPublished struct {
	GenerationID   string     `json:"generation_id,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	Clusters       int64      `json:"clusters"`
	RollupRows     int64      `json:"rollup_rows"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	LastRunStarted *time.Time `json:"last_run_started_at,omitempty"`
}

// PipelineStats is the read model returned by the stats command.
type PipelineStats struct {
	Day        string            `json:"day"`
	Source     StatsSourceCounts `json:"source"`
	Throughput StatsThroughput   `json:"throughput"`
	Published  StatsPublished    `json:"published"`
}

// QueryPipelineStats returns source counts, daily throughput and the state
// of the published generation.
func (p *Pool) QueryPipelineStats(ctx context.Context, dayStart, dayEnd time.Time) (*PipelineStats, error) {
	startUTC := dayStart.UTC()
	endUTC := dayEnd.UTC()
	if !startUTC.Before(endUTC) {
		return nil, fmt.Errorf("dayStart must be before dayEnd")
	}

	stats := &PipelineStats{Day: startUTC.Format("2006-01-02")}

	const sourceQuery = `
SELECT
	(SELECT COUNT(*) FROM adobs.ads) AS ads,
	(SELECT COUNT(*) FROM adobs.ad_creatives) AS creatives,
	(SELECT COUNT(*) FROM adobs.pages) AS pages,
	(SELECT COUNT(*) FROM adobs.topics) AS topics,
	(SELECT COUNT(*) FROM adobs.region_impressions) AS region_results
`
	if err := p.QueryRow(ctx, sourceQuery).Scan(
		&stats.Source.Ads,
		&stats.Source.Creatives,
		&stats.Source.Pages,
		&stats.Source.Topics,
		&stats.Source.Regions,
	); err != nil {
		return nil, fmt.Errorf("query stats source counts: %w", err)
	}

	const throughputQuery = `
SELECT
	(SELECT COUNT(*) FROM adobs.ads a WHERE a.last_modified_time >= $1 AND a.last_modified_time < $2) AS ads_modified_today,
	(SELECT COUNT(*) FROM adobs.pages pg WHERE pg.last_modified_time >= $1 AND pg.last_modified_time < $2) AS pages_modified_today,
	(SELECT COUNT(*) FROM adobs.ad_creatives c WHERE c.fingerprint_version IS NULL OR c.fingerprint_version < $3) AS pending_fingerprint,
	(SELECT COUNT(*) FROM adobs.ads a WHERE NOT EXISTS (SELECT 1 FROM adobs.impressions i WHERE i.archive_id = a.archive_id)) AS ads_without_impressions
`
	if err := p.QueryRow(ctx, throughputQuery, startUTC, endUTC, currentFingerprintVersion).Scan(
		&stats.Throughput.AdsModifiedToday,
		&stats.Throughput.PagesModifiedToday,
		&stats.Throughput.PendingFingerprint,
		&stats.Throughput.AdsWithoutImpressions,
	); err != nil {
		return nil, fmt.Errorf("query stats throughput: %w", err)
	}

	const publishedQuery = `
SELECT
	pg.generation_id::text,
	pg.published_at,
	COALESCE(dg.cluster_count, 0),
	COALESCE(dg.rollup_row_count, 0)
FROM adobs.published_generation pg
LEFT JOIN adobs.derived_generations dg
	ON dg.generation_id = pg.generation_id
`
	var (
		generationID string
		publishedAt  time.Time
	)
	err := p.QueryRow(ctx, publishedQuery).Scan(
		&generationID,
		&publishedAt,
		&stats.Published.Clusters,
		&stats.Published.RollupRows,
	)
	switch {
	case err == nil:
		stats.Published.GenerationID = generationID
		stats.Published.PublishedAt = &publishedAt
	case IsNoRows(err):
	default:
		return nil, fmt.Errorf("query stats published generation: %w", err)
	}

	const lastRunQuery = `
SELECT status::text, started_at
FROM adobs.refresh_runs
ORDER BY started_at DESC
LIMIT 1
`
	var (
		status    string
		startedAt time.Time
	)
	err = p.QueryRow(ctx, lastRunQuery).Scan(&status, &startedAt)
	switch {
	case err == nil:
		stats.Published.LastRunStatus = status
		stats.Published.LastRunStarted = &startedAt
	case IsNoRows(err):
	default:
		return nil, fmt.Errorf("query stats last refresh run: %w", err)
	}

	return stats, nil
}
