package db

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/estimate"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/globaltime"
)

// LoadSnapshot copies the source tables inside one repeatable-read
// transaction so every table reflects the same instant.
func (p *Pool) LoadSnapshot(ctx context.Context) (*adlib.Snapshot, error) {
	snap := &adlib.Snapshot{
		TakenAt: globaltime.UTC(),
		Pages:   make(map[adlib.PageID]adlib.Page),
		Topics:  make(map[adlib.TopicID]adlib.Topic),
	}

	err := p.InTx(ctx, TxOptions{ReadOnly: true, RepeatableRead: true}, func(tx Tx) error {
		if err := loadPages(ctx, tx, snap); err != nil {
			return fmt.Errorf("load pages: %w", err)
		}
		if err := loadTopics(ctx, tx, snap); err != nil {
			return fmt.Errorf("load topics: %w", err)
		}
		index, err := loadAds(ctx, tx, snap)
		if err != nil {
			return fmt.Errorf("load ads: %w", err)
		}
		if err := loadAdTopics(ctx, tx, snap, index); err != nil {
			return fmt.Errorf("load ad topics: %w", err)
		}
		if err := loadAdTypes(ctx, tx, snap, index); err != nil {
			return fmt.Errorf("load ad types: %w", err)
		}
		if err := loadRegions(ctx, tx, snap, index); err != nil {
			return fmt.Errorf("load region impressions: %w", err)
		}
		if err := loadCreatives(ctx, tx, snap, index); err != nil {
			return fmt.Errorf("load creatives: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func loadPages(ctx context.Context, tx Tx, snap *adlib.Snapshot) error {
	const q = `
SELECT page_id, page_name, page_owner
FROM adobs.pages
`
	rows, err := tx.Query(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    int64
			name  string
			owner *int64
		)
		if err := rows.Scan(&id, &name, &owner); err != nil {
			return err
		}
		page := adlib.Page{ID: adlib.PageID(id), Name: name}
		if owner != nil && *owner != id {
			page.OwnerID = adlib.PageID(*owner)
		}
		snap.Pages[page.ID] = page
	}
	return rows.Err()
}

func loadTopics(ctx context.Context, tx Tx, snap *adlib.Snapshot) error {
	rows, err := tx.Query(ctx, `SELECT topic_id, topic_name FROM adobs.topics`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var topic adlib.Topic
		if err := rows.Scan(&topic.ID, &topic.Name); err != nil {
			return err
		}
		snap.Topics[topic.ID] = topic
	}
	return rows.Err()
}

// loadAds returns the position of every ad in snap.Ads by archive id.
func loadAds(ctx context.Context, tx Tx, snap *adlib.Snapshot) (map[adlib.ArchiveID]int, error) {
	const q = `
SELECT
	a.archive_id,
	a.page_id,
	a.ad_creation_time,
	a.ad_delivery_start_time,
	a.ad_delivery_stop_time,
	a.last_active_date,
	a.currency,
	a.funding_entity,
	a.last_modified_time,
	COALESCE(i.min_spend, 0),
	COALESCE(i.max_spend, 0),
	COALESCE(i.min_impressions, 0),
	COALESCE(i.max_impressions, 0),
	i.spend_estimate
FROM adobs.ads a
LEFT JOIN adobs.impressions i
	ON i.archive_id = a.archive_id
ORDER BY a.archive_id
`
	rows, err := tx.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	index := make(map[adlib.ArchiveID]int)
	for rows.Next() {
		var (
			archiveID                                  int64
			pageID                                     *int64
			created, start, stop, lastActive           *time.Time
			currency, fundingEntity                    string
			lastModified                               time.Time
			minSpend, maxSpend, minImpress, maxImpress decimal.Decimal
			spendEstimate                              decimal.NullDecimal
		)
		if err := rows.Scan(
			&archiveID,
			&pageID,
			&created,
			&start,
			&stop,
			&lastActive,
			&currency,
			&fundingEntity,
			&lastModified,
			&minSpend,
			&maxSpend,
			&minImpress,
			&maxImpress,
			&spendEstimate,
		); err != nil {
			return nil, err
		}

		ad := adlib.Ad{
			ArchiveID:     adlib.ArchiveID(archiveID),
			CreationTime:  derefDay(created),
			DeliveryStart: derefDay(start),
			DeliveryStop:  derefDay(stop),
			LastActive:    derefDay(lastActive),
			Currency:      currency,
			FundingEntity: fundingEntity,
			LastModified:  lastModified.UTC(),
			Estimate: adlib.ImpressionEstimate{
				Spend:       estimate.Range{Min: minSpend, Max: maxSpend},
				Impressions: estimate.Range{Min: minImpress, Max: maxImpress},
			},
		}
		if pageID != nil {
			ad.PageID = adlib.PageID(*pageID)
		}
		if spendEstimate.Valid {
			value := spendEstimate.Decimal
			ad.Estimate.SpendEstimate = &value
		}
		index[ad.ArchiveID] = len(snap.Ads)
		snap.Ads = append(snap.Ads, ad)
	}
	return index, rows.Err()
}

func loadAdTopics(ctx context.Context, tx Tx, snap *adlib.Snapshot, index map[adlib.ArchiveID]int) error {
	rows, err := tx.Query(ctx, `SELECT archive_id, topic_id FROM adobs.ad_topics ORDER BY archive_id, topic_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			archiveID adlib.ArchiveID
			topicID   adlib.TopicID
		)
		if err := rows.Scan(&archiveID, &topicID); err != nil {
			return err
		}
		if i, ok := index[archiveID]; ok {
			snap.Ads[i].Topics = append(snap.Ads[i].Topics, topicID)
		}
	}
	return rows.Err()
}

func loadAdTypes(ctx context.Context, tx Tx, snap *adlib.Snapshot, index map[adlib.ArchiveID]int) error {
	rows, err := tx.Query(ctx, `SELECT archive_id, ad_type FROM adobs.ad_ad_types ORDER BY archive_id, ad_type`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			archiveID adlib.ArchiveID
			adType    string
		)
		if err := rows.Scan(&archiveID, &adType); err != nil {
			return err
		}
		if i, ok := index[archiveID]; ok {
			snap.Ads[i].AdTypes = append(snap.Ads[i].AdTypes, adType)
		}
	}
	return rows.Err()
}

func loadRegions(ctx context.Context, tx Tx, snap *adlib.Snapshot, index map[adlib.ArchiveID]int) error {
	const q = `
SELECT archive_id, region, min_spend, max_spend, min_impressions, max_impressions
FROM adobs.region_impressions
ORDER BY archive_id, region
`
	rows, err := tx.Query(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			archiveID adlib.ArchiveID
			region    adlib.RegionImpression
		)
		if err := rows.Scan(
			&archiveID,
			&region.Region,
			&region.Spend.Min,
			&region.Spend.Max,
			&region.Impressions.Min,
			&region.Impressions.Max,
		); err != nil {
			return err
		}
		if i, ok := index[archiveID]; ok {
			snap.Ads[i].Regions = append(snap.Ads[i].Regions, region)
		}
	}
	return rows.Err()
}

// loadCreatives skips creatives whose ad is missing from the snapshot.
func loadCreatives(ctx context.Context, tx Tx, snap *adlib.Snapshot, index map[adlib.ArchiveID]int) error {
	const q = `
SELECT
	ad_creative_id,
	archive_id,
	body,
	link_title,
	link_caption,
	link_description,
	COALESCE(image_url, ''),
	language,
	text_sha256,
	text_simhash,
	image_hash,
	image_dhash,
	COALESCE(fingerprint_version, 0)
FROM adobs.ad_creatives
ORDER BY archive_id, ad_creative_id
`
	rows, err := tx.Query(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			creative                adlib.Creative
			textSHA, imageHash      []byte
			textSimhash, imageDHash *int64
		)
		if err := rows.Scan(
			&creative.ID,
			&creative.ArchiveID,
			&creative.Body,
			&creative.LinkTitle,
			&creative.LinkCaption,
			&creative.LinkDescription,
			&creative.ImageURL,
			&creative.Language,
			&textSHA,
			&textSimhash,
			&imageHash,
			&imageDHash,
			&creative.Fingerprints.Version,
		); err != nil {
			return err
		}
		if _, ok := index[creative.ArchiveID]; !ok {
			continue
		}
		creative.Fingerprints.TextSHA256 = textSHA
		creative.Fingerprints.TextSimhash = fromSigned(textSimhash)
		creative.Fingerprints.ImageHash = imageHash
		creative.Fingerprints.ImageDHash = fromSigned(imageDHash)
		snap.Creatives = append(snap.Creatives, creative)
	}
	return rows.Err()
}

func derefDay(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return estimate.Day(*t)
}

// 64-bit fingerprints are stored in signed bigint columns bit for bit.
func toSigned(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	out := int64(*v)
	return &out
}

func fromSigned(v *int64) *uint64 {
	if v == nil {
		return nil
	}
	out := uint64(*v)
	return &out
}
