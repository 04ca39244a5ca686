package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

//go:embed feed_record.schema.json
var feedRecordSchemaJSON string

type Kind string

const (
	KindAd   Kind = "ad"
	KindPage Kind = "page"
)

// FeedRecord is one line of the ad library feed. Exactly one of Ad and
// Page is set, matching Kind.
type FeedRecord struct {
	PayloadVersion string      `json:"payload_version"`
	Kind           Kind        `json:"kind"`
	Ad             *AdRecord   `json:"ad,omitempty"`
	Page           *PageRecord `json:"page,omitempty"`
}

type AdRecord struct {
	ArchiveID      int64             `json:"archive_id"`
	PageID         *int64            `json:"page_id,omitempty"`
	CreationTime   *string           `json:"ad_creation_time,omitempty"`
	DeliveryStart  *string           `json:"ad_delivery_start_time,omitempty"`
	DeliveryStop   *string           `json:"ad_delivery_stop_time,omitempty"`
	LastActiveDate *string           `json:"last_active_date,omitempty"`
	Currency       string            `json:"currency,omitempty"`
	FundingEntity  string            `json:"funding_entity,omitempty"`
	AdTypes        []string          `json:"ad_types,omitempty"`
	Topics         []TopicRecord     `json:"topics,omitempty"`
	Impressions    ImpressionsRecord `json:"impressions"`
	Regions        []RegionRecord    `json:"regions,omitempty"`
	Creatives      []CreativeRecord  `json:"creatives,omitempty"`
}

type TopicRecord struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

type ImpressionsRecord struct {
	MinSpend       decimal.Decimal  `json:"min_spend"`
	MaxSpend       decimal.Decimal  `json:"max_spend"`
	MinImpressions decimal.Decimal  `json:"min_impressions"`
	MaxImpressions decimal.Decimal  `json:"max_impressions"`
	SpendEstimate  *decimal.Decimal `json:"spend_estimate,omitempty"`
}

type RegionRecord struct {
	Region         string          `json:"region"`
	MinSpend       decimal.Decimal `json:"min_spend"`
	MaxSpend       decimal.Decimal `json:"max_spend"`
	MinImpressions decimal.Decimal `json:"min_impressions"`
	MaxImpressions decimal.Decimal `json:"max_impressions"`
}

type CreativeRecord struct {
	Body            string  `json:"body,omitempty"`
	LinkTitle       string  `json:"link_title,omitempty"`
	LinkCaption     string  `json:"link_caption,omitempty"`
	LinkDescription string  `json:"link_description,omitempty"`
	ImageURL        *string `json:"image_url,omitempty"`
	Language        string  `json:"language,omitempty"`
}

type PageRecord struct {
	PageID    int64  `json:"page_id"`
	PageName  string `json:"page_name,omitempty"`
	PageOwner *int64 `json:"page_owner,omitempty"`
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

func ValidateFeedRecord(payload json.RawMessage) (*FeedRecord, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize payload JSON: %w", err)
	}

	var record FeedRecord
	if err := json.Unmarshal(normalized, &record); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	if err := validateSemantics(&record); err != nil {
		return nil, err
	}

	return &record, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("feed_record.schema.json", strings.NewReader(feedRecordSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("feed_record.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}

func validateSemantics(record *FeedRecord) error {
	if record == nil {
		return fmt.Errorf("payload is nil")
	}
	if strings.TrimSpace(record.PayloadVersion) != "v1" {
		return fmt.Errorf("payload_version must be v1")
	}

	switch record.Kind {
	case KindAd:
		if record.Ad == nil {
			return fmt.Errorf("kind ad requires an ad object")
		}
		return validateAd(record.Ad)
	case KindPage:
		if record.Page == nil {
			return fmt.Errorf("kind page requires a page object")
		}
		return nil
	default:
		return fmt.Errorf("unknown kind %q", record.Kind)
	}
}

// Inverted min/max ranges are accepted here; snapshot preparation swaps
// them and logs a warning.
func validateAd(ad *AdRecord) error {
	dates := []struct {
		field string
		value *string
	}{
		{"ad_creation_time", ad.CreationTime},
		{"ad_delivery_start_time", ad.DeliveryStart},
		{"ad_delivery_stop_time", ad.DeliveryStop},
		{"last_active_date", ad.LastActiveDate},
	}
	for _, d := range dates {
		if d.value == nil {
			continue
		}
		if _, err := ParseDay(*d.value); err != nil {
			return fmt.Errorf("%s: %w", d.field, err)
		}
	}

	for i, adType := range ad.AdTypes {
		if strings.TrimSpace(adType) == "" {
			return fmt.Errorf("ad_types[%d] must not be empty", i)
		}
	}
	for i, region := range ad.Regions {
		if strings.TrimSpace(region.Region) == "" {
			return fmt.Errorf("regions[%d].region must not be empty", i)
		}
	}
	for i, creative := range ad.Creatives {
		if creative.ImageURL != nil {
			if err := validateURI(fmt.Sprintf("creatives[%d].image_url", i), *creative.ImageURL); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParseDay accepts a calendar date or an RFC3339 timestamp and returns
// the UTC day it falls on.
func ParseDay(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("date must not be empty")
	}
	if t, err := time.Parse(time.DateOnly, trimmed); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("must be YYYY-MM-DD or RFC3339: %w", err)
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

func validateURI(fieldName, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s must not be empty", fieldName)
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return fmt.Errorf("%s is not a valid URI: %w", fieldName, err)
	}
	return nil
}
