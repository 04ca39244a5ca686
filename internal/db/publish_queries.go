package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cluster"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/refresh"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/rollup"
)

const (
	publishBatchSize  = 1000
	maxRunErrorLength = 4000
)

var retiredGenerationTables = []string{"clusters", "cluster_members", "rollup_rows", "derived_generations"}

var _ refresh.Store = (*Pool)(nil)

// Publish durably installs gen in one transaction: the generation's rows are
// written, refreshed fingerprints persisted, the published pointer flipped and
// every retired generation removed. Readers joining through
// adobs.published_generation see either the old or the new generation.
func (p *Pool) Publish(ctx context.Context, gen *refresh.Generation) error {
	if gen == nil || gen.Clusters == nil || gen.Rollups == nil {
		return fmt.Errorf("generation is incomplete")
	}
	generationID := gen.ID.String()

	clusters := make([]Cluster, 0, len(gen.Clusters.Clusters))
	members := make([]ClusterMember, 0, len(gen.Clusters.Clusters))
	for _, c := range gen.Clusters.Clusters {
		model, err := clusterModel(generationID, c)
		if err != nil {
			return fmt.Errorf("encode cluster %d: %w", c.ID, err)
		}
		clusters = append(clusters, model)
		for _, archiveID := range c.Members {
			members = append(members, ClusterMember{
				GenerationID: generationID,
				ArchiveID:    int64(archiveID),
				ClusterID:    c.ID,
			})
		}
	}

	rollupRows := make([]RollupRow, 0, gen.Rollups.RowCount())
	for _, name := range gen.Rollups.Names() {
		table, _ := gen.Rollups.Table(name)
		for _, row := range table.Rows {
			model, err := rollupRowModel(generationID, name, row)
			if err != nil {
				return fmt.Errorf("encode rollup row %s/%s: %w", name, row.KeyString(), err)
			}
			rollupRows = append(rollupRows, model)
		}
	}

	snapshotAt := gen.BuiltAt
	adCount := 0
	if gen.Snapshot != nil {
		snapshotAt = gen.Snapshot.TakenAt
		adCount = len(gen.Snapshot.Ads)
	}

	return p.InTx(ctx, TxOptions{}, func(tx Tx) error {
		generation := DerivedGeneration{
			GenerationID:   generationID,
			RunUUID:        gen.RunID.String(),
			BuiltAt:        gen.BuiltAt,
			PublishedAt:    gen.PublishedAt,
			SnapshotAt:     snapshotAt,
			AdCount:        adCount,
			ClusterCount:   len(clusters),
			RollupRowCount: len(rollupRows),
		}
		if err := tx.CreateInBatches(ctx, &generation, 1); err != nil {
			return fmt.Errorf("insert derived_generations: %w", err)
		}
		if len(clusters) > 0 {
			if err := tx.CreateInBatches(ctx, clusters, publishBatchSize); err != nil {
				return fmt.Errorf("insert clusters: %w", err)
			}
		}
		if len(members) > 0 {
			if err := tx.CreateInBatches(ctx, members, publishBatchSize); err != nil {
				return fmt.Errorf("insert cluster_members: %w", err)
			}
		}
		if len(rollupRows) > 0 {
			if err := tx.CreateInBatches(ctx, rollupRows, publishBatchSize); err != nil {
				return fmt.Errorf("insert rollup_rows: %w", err)
			}
		}

		if err := persistFingerprints(ctx, tx, gen); err != nil {
			return err
		}

		const flip = `
INSERT INTO adobs.published_generation (singleton, generation_id, published_at)
VALUES (TRUE, $1::uuid, $2)
ON CONFLICT (singleton) DO UPDATE
SET
	generation_id = EXCLUDED.generation_id,
	published_at = EXCLUDED.published_at
`
		if _, err := tx.Exec(ctx, flip, generationID, gen.PublishedAt); err != nil {
			return fmt.Errorf("flip published_generation: %w", err)
		}

		for _, table := range retiredGenerationTables {
			q := fmt.Sprintf(`DELETE FROM adobs.%s WHERE generation_id <> $1::uuid`, table)
			if _, err := tx.Exec(ctx, q, generationID); err != nil {
				return fmt.Errorf("delete retired %s: %w", table, err)
			}
		}
		return nil
	})
}

func persistFingerprints(ctx context.Context, tx Tx, gen *refresh.Generation) error {
	const q = `
UPDATE adobs.ad_creatives
SET
	text_sha256 = $2,
	text_simhash = $3,
	image_hash = $4,
	image_dhash = $5,
	fingerprint_version = $6,
	fingerprinted_at = $7
WHERE ad_creative_id = $1
`
	for _, creative := range gen.Fingerprinted {
		fp := creative.Fingerprints
		if _, err := tx.Exec(
			ctx,
			q,
			creative.ID,
			nullableBytes(fp.TextSHA256),
			toSigned(fp.TextSimhash),
			nullableBytes(fp.ImageHash),
			toSigned(fp.ImageDHash),
			nullableVersion(fp.Version),
			gen.BuiltAt,
		); err != nil {
			return fmt.Errorf("persist fingerprints for creative %d: %w", creative.ID, err)
		}
	}
	return nil
}

// BeginRun records a running refresh in the ledger.
func (p *Pool) BeginRun(ctx context.Context, run refresh.Run) error {
	const q = `
INSERT INTO adobs.refresh_runs (run_uuid, started_at, status)
VALUES ($1::uuid, $2, 'running')
`
	_, err := p.Exec(ctx, q, run.ID.String(), run.StartedAt)
	return err
}

// FinishRun stores the terminal status and counters of run.
func (p *Pool) FinishRun(ctx context.Context, run refresh.Run) error {
	const q = `
UPDATE adobs.refresh_runs
SET
	finished_at = $2,
	status = $3::adobs.run_status,
	failed_stage = $4,
	error_message = $5,
	generation_id = $6::uuid,
	ads = $7,
	creatives = $8,
	fingerprinted = $9,
	clusters = $10,
	rollup_rows = $11
WHERE run_uuid = $1::uuid
`
	var generationID *string
	if run.Status == refresh.RunSucceeded {
		id := run.Generation.String()
		generationID = &id
	}
	_, err := p.Exec(
		ctx,
		q,
		run.ID.String(),
		run.FinishedAt,
		string(run.Status),
		nullableString(string(run.FailedStage)),
		nullableString(truncate(run.Error, maxRunErrorLength)),
		generationID,
		run.Counters.Ads,
		run.Counters.Creatives,
		run.Counters.Fingerprinted,
		run.Counters.Clusters,
		run.Counters.RollupRows,
	)
	return err
}

// RegionTotalJSON is the stored form of one per-region cluster total.
type RegionTotalJSON struct {
	Region         string `json:"region"`
	MinSpend       string `json:"min_spend"`
	MaxSpend       string `json:"max_spend"`
	MinImpressions string `json:"min_impressions"`
	MaxImpressions string `json:"max_impressions"`
}

// DimensionJSON is the stored form of one rollup key component.
type DimensionJSON struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
}

func clusterModel(generationID string, c cluster.Cluster) (Cluster, error) {
	regions := make([]RegionTotalJSON, 0, len(c.Regions))
	for _, r := range c.Regions {
		regions = append(regions, RegionTotalJSON{
			Region:         r.Region,
			MinSpend:       r.Spend.Min.String(),
			MaxSpend:       r.Spend.Max.String(),
			MinImpressions: r.Impressions.Min.String(),
			MaxImpressions: r.Impressions.Max.String(),
		})
	}

	encoded := make(map[string]json.RawMessage, 7)
	for name, value := range map[string]any{
		"page_ids":         nonNil(c.Pages),
		"topic_ids":        nonNil(c.Topics),
		"ad_types":         nonNil(c.AdTypes),
		"languages":        nonNil(c.Languages),
		"currencies":       nonNil(c.Currencies),
		"funding_entities": nonNil(c.FundingEntities),
		"regions":          regions,
	} {
		raw, err := json.Marshal(value)
		if err != nil {
			return Cluster{}, fmt.Errorf("marshal %s: %w", name, err)
		}
		encoded[name] = raw
	}

	return Cluster{
		GenerationID:           generationID,
		ClusterID:              c.ID,
		CanonicalArchiveID:     int64(c.Canonical),
		MemberCount:            c.MemberCount,
		MinSpendSum:            c.Spend.Min,
		MaxSpendSum:            c.Spend.Max,
		MinImpressionsSum:      c.Impressions.Min,
		MaxImpressionsSum:      c.Impressions.Max,
		SpendEstimate:          c.SpendPoint(),
		ImpressionsEstimate:    c.ImpressionsPoint(),
		PreciseSpendSum:        c.PreciseSpend,
		PreciseCount:           c.PreciseCount,
		MinAdDeliveryStartTime: c.StartDate(),
		MaxLastActiveDate:      c.EndDate(),
		NumPages:               c.NumPages(),
		PageIDs:                encoded["page_ids"],
		TopicIDs:               encoded["topic_ids"],
		AdTypes:                encoded["ad_types"],
		Languages:              encoded["languages"],
		Currencies:             encoded["currencies"],
		FundingEntities:        encoded["funding_entities"],
		Regions:                encoded["regions"],
	}, nil
}

func rollupRowModel(generationID, specName string, row rollup.Row) (RollupRow, error) {
	dims := make(map[string]DimensionJSON, len(row.Key))
	for _, v := range row.Key {
		dims[string(v.Dimension())] = DimensionJSON{Key: v.Key(), Label: v.Label()}
	}
	raw, err := json.Marshal(dims)
	if err != nil {
		return RollupRow{}, err
	}

	model := RollupRow{
		GenerationID:        generationID,
		SpecName:            specName,
		RowKey:              row.KeyString(),
		Dimensions:          raw,
		SpendEstimate:       row.SpendEstimate,
		MidpointSpend:       row.MidpointSpend,
		ImpressionsEstimate: row.ImpressionsEstimate,
		MinSpend:            row.MinSpend,
		MaxSpend:            row.MaxSpend,
		MinImpressions:      row.MinImpressions,
		MaxImpressions:      row.MaxImpressions,
		SpendPerDay:         row.SpendPerDay,
		AdCount:             row.AdCount,
		ClusterCount:        row.ClusterCount,
	}
	if !row.Window.IsZero() {
		start, end := row.Window.Start, row.Window.End
		model.WindowStart = &start
		model.WindowEnd = &end
	}
	return model, nil
}

// nonNil keeps empty sets as [] rather than null in jsonb columns.
func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}

func nullableBytes(value []byte) []byte {
	if len(value) == 0 {
		return nil
	}
	return value
}

// nullableVersion stores version 0 (image fingerprint pending a retry) as
// NULL so the creative stays in the unfingerprinted index.
func nullableVersion(version int) *int {
	if version <= 0 {
		return nil
	}
	return &version
}

func nullableString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
