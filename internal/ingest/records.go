package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/db"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/langdetect"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/payloadschema"
)

// adRows is the relational form of one ad feed record.
type adRows struct {
	ad         db.Ad
	impression db.Impression
	topics     []db.Topic
	adTypes    []string
	regions    []db.RegionImpression
	creatives  []db.AdCreative
}

func adRowsFromRecord(record *payloadschema.AdRecord) (adRows, error) {
	if record == nil {
		return adRows{}, fmt.Errorf("ad record is nil")
	}

	out := adRows{
		ad: db.Ad{
			ArchiveID:     record.ArchiveID,
			PageID:        record.PageID,
			Currency:      strings.ToUpper(strings.TrimSpace(record.Currency)),
			FundingEntity: strings.TrimSpace(record.FundingEntity),
		},
		impression: db.Impression{
			ArchiveID:      record.ArchiveID,
			MinSpend:       record.Impressions.MinSpend,
			MaxSpend:       record.Impressions.MaxSpend,
			MinImpressions: record.Impressions.MinImpressions,
			MaxImpressions: record.Impressions.MaxImpressions,
			SpendEstimate:  record.Impressions.SpendEstimate,
		},
	}

	var err error
	if out.ad.AdCreationTime, err = parseOptionalDay(record.CreationTime); err != nil {
		return adRows{}, fmt.Errorf("ad_creation_time: %w", err)
	}
	if out.ad.AdDeliveryStartTime, err = parseOptionalDay(record.DeliveryStart); err != nil {
		return adRows{}, fmt.Errorf("ad_delivery_start_time: %w", err)
	}
	if out.ad.AdDeliveryStopTime, err = parseOptionalDay(record.DeliveryStop); err != nil {
		return adRows{}, fmt.Errorf("ad_delivery_stop_time: %w", err)
	}
	if out.ad.LastActiveDate, err = parseOptionalDay(record.LastActiveDate); err != nil {
		return adRows{}, fmt.Errorf("last_active_date: %w", err)
	}

	seenTopics := make(map[int64]struct{}, len(record.Topics))
	for _, topic := range record.Topics {
		if _, ok := seenTopics[topic.ID]; ok {
			continue
		}
		seenTopics[topic.ID] = struct{}{}
		out.topics = append(out.topics, db.Topic{TopicID: topic.ID, TopicName: strings.TrimSpace(topic.Name)})
	}
	sort.Slice(out.topics, func(i, j int) bool { return out.topics[i].TopicID < out.topics[j].TopicID })

	seenTypes := make(map[string]struct{}, len(record.AdTypes))
	for _, adType := range record.AdTypes {
		normalized := strings.ToLower(strings.TrimSpace(adType))
		if normalized == "" {
			continue
		}
		if _, ok := seenTypes[normalized]; ok {
			continue
		}
		seenTypes[normalized] = struct{}{}
		out.adTypes = append(out.adTypes, normalized)
	}
	sort.Strings(out.adTypes)

	seenRegions := make(map[string]int, len(record.Regions))
	for _, region := range record.Regions {
		name := strings.TrimSpace(region.Region)
		row := db.RegionImpression{
			ArchiveID:      record.ArchiveID,
			Region:         name,
			MinSpend:       region.MinSpend,
			MaxSpend:       region.MaxSpend,
			MinImpressions: region.MinImpressions,
			MaxImpressions: region.MaxImpressions,
		}
		// A repeated region replaces the earlier entry.
		if i, ok := seenRegions[name]; ok {
			out.regions[i] = row
			continue
		}
		seenRegions[name] = len(out.regions)
		out.regions = append(out.regions, row)
	}

	seenCreatives := make(map[string]struct{}, len(record.Creatives))
	for _, creative := range record.Creatives {
		row := creativeRow(record.ArchiveID, creative)
		if _, ok := seenCreatives[row.CreativeKey]; ok {
			continue
		}
		seenCreatives[row.CreativeKey] = struct{}{}
		out.creatives = append(out.creatives, row)
	}
	return out, nil
}

func creativeRow(archiveID int64, record payloadschema.CreativeRecord) db.AdCreative {
	creative := adlib.Creative{
		ArchiveID:       adlib.ArchiveID(archiveID),
		Body:            record.Body,
		LinkTitle:       record.LinkTitle,
		LinkCaption:     record.LinkCaption,
		LinkDescription: record.LinkDescription,
	}
	var imageURL *string
	if record.ImageURL != nil {
		if trimmed := strings.TrimSpace(*record.ImageURL); trimmed != "" {
			imageURL = &trimmed
			creative.ImageURL = trimmed
		}
	}

	return db.AdCreative{
		ArchiveID:       archiveID,
		CreativeKey:     creativeKey(creative),
		Body:            creative.Body,
		LinkTitle:       creative.LinkTitle,
		LinkCaption:     creative.LinkCaption,
		LinkDescription: creative.LinkDescription,
		ImageURL:        imageURL,
		Language:        langdetect.CreativeLanguage(record.Language, creative.Text()),
	}
}

// creativeKey identifies a creative by its text fields and image reference.
// Image digests are only known after fetching, so the URL stands in for them.
func creativeKey(c adlib.Creative) string {
	h := sha256.New()
	for _, part := range []string{c.Body, c.LinkTitle, c.LinkCaption, c.LinkDescription, c.ImageURL} {
		h.Write([]byte(strings.TrimSpace(part)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func parseOptionalDay(value *string) (*time.Time, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}
	day, err := payloadschema.ParseDay(*value)
	if err != nil {
		return nil, err
	}
	return &day, nil
}
