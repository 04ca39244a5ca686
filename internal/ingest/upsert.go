package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/db"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/payloadschema"
)

// upsertAd overwrites everything stored for one archive id. Creatives whose
// key survives keep their computed fingerprints.
func (s *Service) upsertAd(ctx context.Context, rows adRows, payloadHash []byte, now time.Time) (Outcome, error) {
	outcome := OutcomeInserted
	err := s.pool.InTx(ctx, db.TxOptions{}, func(tx db.Tx) error {
		var stored []byte
		err := tx.QueryRow(ctx, `SELECT payload_hash FROM adobs.ads WHERE archive_id = $1 FOR UPDATE`, rows.ad.ArchiveID).Scan(&stored)
		switch {
		case err == nil:
			if string(stored) == string(payloadHash) {
				outcome = OutcomeUnchanged
				return nil
			}
			outcome = OutcomeUpdated
		case db.IsNoRows(err):
		default:
			return fmt.Errorf("lock ad: %w", err)
		}

		const upsertAd = `
INSERT INTO adobs.ads (
	archive_id,
	page_id,
	ad_creation_time,
	ad_delivery_start_time,
	ad_delivery_stop_time,
	last_active_date,
	currency,
	funding_entity,
	payload_hash,
	last_modified_time
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (archive_id) DO UPDATE
SET
	page_id = EXCLUDED.page_id,
	ad_creation_time = EXCLUDED.ad_creation_time,
	ad_delivery_start_time = EXCLUDED.ad_delivery_start_time,
	ad_delivery_stop_time = EXCLUDED.ad_delivery_stop_time,
	last_active_date = EXCLUDED.last_active_date,
	currency = EXCLUDED.currency,
	funding_entity = EXCLUDED.funding_entity,
	payload_hash = EXCLUDED.payload_hash,
	last_modified_time = EXCLUDED.last_modified_time
`
		ad := rows.ad
		if _, err := tx.Exec(
			ctx,
			upsertAd,
			ad.ArchiveID,
			ad.PageID,
			ad.AdCreationTime,
			ad.AdDeliveryStartTime,
			ad.AdDeliveryStopTime,
			ad.LastActiveDate,
			ad.Currency,
			ad.FundingEntity,
			payloadHash,
			now,
		); err != nil {
			return fmt.Errorf("upsert ads: %w", err)
		}

		const upsertImpression = `
INSERT INTO adobs.impressions (archive_id, min_spend, max_spend, min_impressions, max_impressions, spend_estimate)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (archive_id) DO UPDATE
SET
	min_spend = EXCLUDED.min_spend,
	max_spend = EXCLUDED.max_spend,
	min_impressions = EXCLUDED.min_impressions,
	max_impressions = EXCLUDED.max_impressions,
	spend_estimate = EXCLUDED.spend_estimate
`
		imp := rows.impression
		if _, err := tx.Exec(ctx, upsertImpression, imp.ArchiveID, imp.MinSpend, imp.MaxSpend, imp.MinImpressions, imp.MaxImpressions, imp.SpendEstimate); err != nil {
			return fmt.Errorf("upsert impressions: %w", err)
		}

		if err := replaceTopics(ctx, tx, ad.ArchiveID, rows.topics); err != nil {
			return err
		}
		if err := replaceAdTypes(ctx, tx, ad.ArchiveID, rows.adTypes); err != nil {
			return err
		}
		if err := replaceRegions(ctx, tx, ad.ArchiveID, rows.regions); err != nil {
			return err
		}
		return replaceCreatives(ctx, tx, ad.ArchiveID, rows.creatives)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func replaceTopics(ctx context.Context, tx db.Tx, archiveID int64, topics []db.Topic) error {
	const upsertTopic = `
INSERT INTO adobs.topics (topic_id, topic_name)
VALUES ($1, $2)
ON CONFLICT (topic_id) DO UPDATE
SET topic_name = COALESCE(NULLIF(EXCLUDED.topic_name, ''), adobs.topics.topic_name)
`
	if _, err := tx.Exec(ctx, `DELETE FROM adobs.ad_topics WHERE archive_id = $1`, archiveID); err != nil {
		return fmt.Errorf("clear ad_topics: %w", err)
	}
	for _, topic := range topics {
		if _, err := tx.Exec(ctx, upsertTopic, topic.TopicID, topic.TopicName); err != nil {
			return fmt.Errorf("upsert topic %d: %w", topic.TopicID, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO adobs.ad_topics (archive_id, topic_id) VALUES ($1, $2)`, archiveID, topic.TopicID); err != nil {
			return fmt.Errorf("insert ad_topics: %w", err)
		}
	}
	return nil
}

func replaceAdTypes(ctx context.Context, tx db.Tx, archiveID int64, adTypes []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM adobs.ad_ad_types WHERE archive_id = $1`, archiveID); err != nil {
		return fmt.Errorf("clear ad_ad_types: %w", err)
	}
	for _, adType := range adTypes {
		if _, err := tx.Exec(ctx, `INSERT INTO adobs.ad_ad_types (archive_id, ad_type) VALUES ($1, $2)`, archiveID, adType); err != nil {
			return fmt.Errorf("insert ad_ad_types: %w", err)
		}
	}
	return nil
}

func replaceRegions(ctx context.Context, tx db.Tx, archiveID int64, regions []db.RegionImpression) error {
	if _, err := tx.Exec(ctx, `DELETE FROM adobs.region_impressions WHERE archive_id = $1`, archiveID); err != nil {
		return fmt.Errorf("clear region_impressions: %w", err)
	}
	if len(regions) == 0 {
		return nil
	}
	if err := tx.CreateInBatches(ctx, regions, 500); err != nil {
		return fmt.Errorf("insert region_impressions: %w", err)
	}
	return nil
}

func replaceCreatives(ctx context.Context, tx db.Tx, archiveID int64, creatives []db.AdCreative) error {
	keys := make([]string, 0, len(creatives))
	for _, c := range creatives {
		keys = append(keys, c.CreativeKey)
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode creative keys: %w", err)
	}

	const prune = `
DELETE FROM adobs.ad_creatives
WHERE archive_id = $1
  AND creative_key NOT IN (SELECT jsonb_array_elements_text($2::jsonb))
`
	if _, err := tx.Exec(ctx, prune, archiveID, string(keysJSON)); err != nil {
		return fmt.Errorf("prune ad_creatives: %w", err)
	}

	const upsert = `
INSERT INTO adobs.ad_creatives (
	archive_id,
	creative_key,
	body,
	link_title,
	link_caption,
	link_description,
	image_url,
	language
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (archive_id, creative_key) DO UPDATE
SET language = EXCLUDED.language
`
	for _, c := range creatives {
		if _, err := tx.Exec(
			ctx,
			upsert,
			archiveID,
			c.CreativeKey,
			c.Body,
			c.LinkTitle,
			c.LinkCaption,
			c.LinkDescription,
			c.ImageURL,
			c.Language,
		); err != nil {
			return fmt.Errorf("upsert ad_creatives: %w", err)
		}
	}
	return nil
}

func (s *Service) upsertPage(ctx context.Context, page *payloadschema.PageRecord, now time.Time) (Outcome, error) {
	const q = `
INSERT INTO adobs.pages (page_id, page_name, page_owner, last_modified_time)
VALUES ($1, $2, $3, $4)
ON CONFLICT (page_id) DO UPDATE
SET
	page_name = EXCLUDED.page_name,
	page_owner = EXCLUDED.page_owner,
	last_modified_time = EXCLUDED.last_modified_time
WHERE adobs.pages.page_name IS DISTINCT FROM EXCLUDED.page_name
   OR adobs.pages.page_owner IS DISTINCT FROM EXCLUDED.page_owner
RETURNING (xmax = 0) AS inserted
`
	var inserted bool
	err := s.pool.QueryRow(ctx, q, page.PageID, page.PageName, pageOwner(page), now).Scan(&inserted)
	switch {
	case err == nil:
		if inserted {
			return OutcomeInserted, nil
		}
		return OutcomeUpdated, nil
	case db.IsNoRows(err):
		return OutcomeUnchanged, nil
	default:
		return "", err
	}
}

// pageOwner drops self-ownership so unowned pages are stored as NULL.
func pageOwner(page *payloadschema.PageRecord) *int64 {
	if page.PageOwner == nil || *page.PageOwner == page.PageID {
		return nil
	}
	return page.PageOwner
}
