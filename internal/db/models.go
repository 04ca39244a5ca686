package db

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Page maps adobs.pages.
type Page struct {
	PageID           int64     `gorm:"column:page_id;primaryKey;autoIncrement:false"`
	PageName         string    `gorm:"column:page_name;type:text;not null;default:''"`
	PageOwner        *int64    `gorm:"column:page_owner;type:bigint"`
	LastModifiedTime time.Time `gorm:"column:last_modified_time;type:timestamptz;not null;default:now()"`
}

func (Page) TableName() string { return "adobs.pages" }

// Topic maps adobs.topics.
type Topic struct {
	TopicID   int64  `gorm:"column:topic_id;primaryKey;autoIncrement:false"`
	TopicName string `gorm:"column:topic_name;type:text;not null"`
}

func (Topic) TableName() string { return "adobs.topics" }

// Ad maps adobs.ads.
type Ad struct {
	ArchiveID           int64      `gorm:"column:archive_id;primaryKey;autoIncrement:false"`
	PageID              *int64     `gorm:"column:page_id;type:bigint"`
	AdCreationTime      *time.Time `gorm:"column:ad_creation_time;type:date"`
	AdDeliveryStartTime *time.Time `gorm:"column:ad_delivery_start_time;type:date"`
	AdDeliveryStopTime  *time.Time `gorm:"column:ad_delivery_stop_time;type:date"`
	LastActiveDate      *time.Time `gorm:"column:last_active_date;type:date"`
	Currency            string     `gorm:"column:currency;type:text;not null;default:''"`
	FundingEntity       string     `gorm:"column:funding_entity;type:text;not null;default:''"`
	PayloadHash         []byte     `gorm:"column:payload_hash;type:bytea;not null"`
	LastModifiedTime    time.Time  `gorm:"column:last_modified_time;type:timestamptz;not null;default:now()"`
}

func (Ad) TableName() string { return "adobs.ads" }

// Impression maps adobs.impressions.
type Impression struct {
	ArchiveID      int64            `gorm:"column:archive_id;primaryKey;autoIncrement:false"`
	MinSpend       decimal.Decimal  `gorm:"column:min_spend;type:numeric;not null"`
	MaxSpend       decimal.Decimal  `gorm:"column:max_spend;type:numeric;not null"`
	MinImpressions decimal.Decimal  `gorm:"column:min_impressions;type:numeric;not null"`
	MaxImpressions decimal.Decimal  `gorm:"column:max_impressions;type:numeric;not null"`
	SpendEstimate  *decimal.Decimal `gorm:"column:spend_estimate;type:numeric"`
}

func (Impression) TableName() string { return "adobs.impressions" }

// RegionImpression maps adobs.region_impressions.
type RegionImpression struct {
	ArchiveID      int64           `gorm:"column:archive_id;primaryKey;autoIncrement:false"`
	Region         string          `gorm:"column:region;type:text;primaryKey"`
	MinSpend       decimal.Decimal `gorm:"column:min_spend;type:numeric;not null"`
	MaxSpend       decimal.Decimal `gorm:"column:max_spend;type:numeric;not null"`
	MinImpressions decimal.Decimal `gorm:"column:min_impressions;type:numeric;not null"`
	MaxImpressions decimal.Decimal `gorm:"column:max_impressions;type:numeric;not null"`
}

func (RegionImpression) TableName() string { return "adobs.region_impressions" }

// AdTopic maps adobs.ad_topics.
type AdTopic struct {
	ArchiveID int64 `gorm:"column:archive_id;primaryKey;autoIncrement:false"`
	TopicID   int64 `gorm:"column:topic_id;primaryKey;autoIncrement:false"`
}

func (AdTopic) TableName() string { return "adobs.ad_topics" }

// AdType maps adobs.ad_ad_types.
type AdType struct {
	ArchiveID int64  `gorm:"column:archive_id;primaryKey;autoIncrement:false"`
	AdType    string `gorm:"column:ad_type;type:text;primaryKey"`
}

func (AdType) TableName() string { return "adobs.ad_ad_types" }

// AdCreative maps adobs.ad_creatives. CreativeKey identifies a creative
// within its ad across re-ingestion so computed fingerprints survive.
type AdCreative struct {
	AdCreativeID       int64      `gorm:"column:ad_creative_id;primaryKey;autoIncrement"`
	ArchiveID          int64      `gorm:"column:archive_id;type:bigint;not null;uniqueIndex:uq_ad_creatives_key,priority:1"`
	CreativeKey        string     `gorm:"column:creative_key;type:text;not null;uniqueIndex:uq_ad_creatives_key,priority:2"`
	Body               string     `gorm:"column:body;type:text;not null;default:''"`
	LinkTitle          string     `gorm:"column:link_title;type:text;not null;default:''"`
	LinkCaption        string     `gorm:"column:link_caption;type:text;not null;default:''"`
	LinkDescription    string     `gorm:"column:link_description;type:text;not null;default:''"`
	ImageURL           *string    `gorm:"column:image_url;type:text"`
	Language           string     `gorm:"column:language;type:text;not null;default:''"`
	TextSHA256         []byte     `gorm:"column:text_sha256;type:bytea"`
	TextSimhash        *int64     `gorm:"column:text_simhash;type:bigint"`
	ImageHash          []byte     `gorm:"column:image_hash;type:bytea"`
	ImageDHash         *int64     `gorm:"column:image_dhash;type:bigint"`
	FingerprintVersion *int       `gorm:"column:fingerprint_version;type:integer"`
	FingerprintedAt    *time.Time `gorm:"column:fingerprinted_at;type:timestamptz"`
	CreatedAt          time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (AdCreative) TableName() string { return "adobs.ad_creatives" }

// DerivedGeneration maps adobs.derived_generations.
type DerivedGeneration struct {
	GenerationID   string    `gorm:"column:generation_id;type:uuid;primaryKey"`
	RunUUID        string    `gorm:"column:run_uuid;type:uuid;not null"`
	BuiltAt        time.Time `gorm:"column:built_at;type:timestamptz;not null"`
	PublishedAt    time.Time `gorm:"column:published_at;type:timestamptz;not null"`
	SnapshotAt     time.Time `gorm:"column:snapshot_at;type:timestamptz;not null"`
	AdCount        int       `gorm:"column:ad_count;type:integer;not null;default:0"`
	ClusterCount   int       `gorm:"column:cluster_count;type:integer;not null;default:0"`
	RollupRowCount int       `gorm:"column:rollup_row_count;type:integer;not null;default:0"`
}

func (DerivedGeneration) TableName() string { return "adobs.derived_generations" }

// PublishedGeneration maps adobs.published_generation, a single-row table.
type PublishedGeneration struct {
	Singleton    bool      `gorm:"column:singleton;primaryKey;default:true"`
	GenerationID string    `gorm:"column:generation_id;type:uuid;not null"`
	PublishedAt  time.Time `gorm:"column:published_at;type:timestamptz;not null"`
}

func (PublishedGeneration) TableName() string { return "adobs.published_generation" }

// Cluster maps adobs.clusters.
type Cluster struct {
	GenerationID           string          `gorm:"column:generation_id;type:uuid;primaryKey"`
	ClusterID              int64           `gorm:"column:cluster_id;primaryKey;autoIncrement:false"`
	CanonicalArchiveID     int64           `gorm:"column:canonical_archive_id;type:bigint;not null"`
	MemberCount            int             `gorm:"column:member_count;type:integer;not null"`
	MinSpendSum            decimal.Decimal `gorm:"column:min_spend_sum;type:numeric;not null"`
	MaxSpendSum            decimal.Decimal `gorm:"column:max_spend_sum;type:numeric;not null"`
	MinImpressionsSum      decimal.Decimal `gorm:"column:min_impressions_sum;type:numeric;not null"`
	MaxImpressionsSum      decimal.Decimal `gorm:"column:max_impressions_sum;type:numeric;not null"`
	SpendEstimate          decimal.Decimal `gorm:"column:spend_estimate;type:numeric;not null"`
	ImpressionsEstimate    decimal.Decimal `gorm:"column:impressions_estimate;type:numeric;not null"`
	PreciseSpendSum        decimal.Decimal `gorm:"column:precise_spend_sum;type:numeric;not null"`
	PreciseCount           int             `gorm:"column:precise_count;type:integer;not null"`
	MinAdDeliveryStartTime *time.Time      `gorm:"column:min_ad_delivery_start_time;type:date"`
	MaxLastActiveDate      *time.Time      `gorm:"column:max_last_active_date;type:date"`
	NumPages               int             `gorm:"column:num_pages;type:integer;not null"`
	PageIDs                json.RawMessage `gorm:"column:page_ids;type:jsonb;not null"`
	TopicIDs               json.RawMessage `gorm:"column:topic_ids;type:jsonb;not null"`
	AdTypes                json.RawMessage `gorm:"column:ad_types;type:jsonb;not null"`
	Languages              json.RawMessage `gorm:"column:languages;type:jsonb;not null"`
	Currencies             json.RawMessage `gorm:"column:currencies;type:jsonb;not null"`
	FundingEntities        json.RawMessage `gorm:"column:funding_entities;type:jsonb;not null"`
	Regions                json.RawMessage `gorm:"column:regions;type:jsonb;not null"`
}

func (Cluster) TableName() string { return "adobs.clusters" }

// ClusterMember maps adobs.cluster_members.
type ClusterMember struct {
	GenerationID string `gorm:"column:generation_id;type:uuid;primaryKey"`
	ArchiveID    int64  `gorm:"column:archive_id;primaryKey;autoIncrement:false"`
	ClusterID    int64  `gorm:"column:cluster_id;type:bigint;not null"`
}

func (ClusterMember) TableName() string { return "adobs.cluster_members" }

// RollupRow maps adobs.rollup_rows.
type RollupRow struct {
	GenerationID        string          `gorm:"column:generation_id;type:uuid;primaryKey"`
	SpecName            string          `gorm:"column:spec_name;type:text;primaryKey"`
	RowKey              string          `gorm:"column:row_key;type:text;primaryKey"`
	Dimensions          json.RawMessage `gorm:"column:dimensions;type:jsonb;not null"`
	SpendEstimate       decimal.Decimal `gorm:"column:spend_estimate;type:numeric;not null"`
	MidpointSpend       decimal.Decimal `gorm:"column:midpoint_spend;type:numeric;not null"`
	ImpressionsEstimate decimal.Decimal `gorm:"column:impressions_estimate;type:numeric;not null"`
	MinSpend            decimal.Decimal `gorm:"column:min_spend;type:numeric;not null"`
	MaxSpend            decimal.Decimal `gorm:"column:max_spend;type:numeric;not null"`
	MinImpressions      decimal.Decimal `gorm:"column:min_impressions;type:numeric;not null"`
	MaxImpressions      decimal.Decimal `gorm:"column:max_impressions;type:numeric;not null"`
	SpendPerDay         decimal.Decimal `gorm:"column:spend_per_day;type:numeric;not null"`
	AdCount             int             `gorm:"column:ad_count;type:integer;not null"`
	ClusterCount        int             `gorm:"column:cluster_count;type:integer;not null"`
	WindowStart         *time.Time      `gorm:"column:window_start;type:date"`
	WindowEnd           *time.Time      `gorm:"column:window_end;type:date"`
}

func (RollupRow) TableName() string { return "adobs.rollup_rows" }

// RefreshRun maps adobs.refresh_runs.
type RefreshRun struct {
	RunUUID       string     `gorm:"column:run_uuid;type:uuid;primaryKey"`
	StartedAt     time.Time  `gorm:"column:started_at;type:timestamptz;not null"`
	FinishedAt    *time.Time `gorm:"column:finished_at;type:timestamptz"`
	Status        string     `gorm:"column:status;type:adobs.run_status;not null;default:running"`
	FailedStage   *string    `gorm:"column:failed_stage;type:text"`
	ErrorMessage  *string    `gorm:"column:error_message;type:text"`
	GenerationID  *string    `gorm:"column:generation_id;type:uuid"`
	Ads           int        `gorm:"column:ads;type:integer;not null;default:0"`
	Creatives     int        `gorm:"column:creatives;type:integer;not null;default:0"`
	Fingerprinted int        `gorm:"column:fingerprinted;type:integer;not null;default:0"`
	Clusters      int        `gorm:"column:clusters;type:integer;not null;default:0"`
	RollupRows    int        `gorm:"column:rollup_rows;type:integer;not null;default:0"`
}

func (RefreshRun) TableName() string { return "adobs.refresh_runs" }

// IngestRun maps adobs.ingest_runs.
type IngestRun struct {
	RunID           int64      `gorm:"column:run_id;primaryKey;autoIncrement"`
	IngestRunUUID   string     `gorm:"column:ingest_run_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Source          string     `gorm:"column:source;type:text;not null"`
	StartedAt       time.Time  `gorm:"column:started_at;type:timestamptz;not null;default:now()"`
	FinishedAt      *time.Time `gorm:"column:finished_at;type:timestamptz"`
	Status          string     `gorm:"column:status;type:adobs.run_status;not null;default:running"`
	RecordsSeen     int        `gorm:"column:records_seen;type:integer;not null;default:0"`
	RecordsUpserted int        `gorm:"column:records_upserted;type:integer;not null;default:0"`
	RecordsRejected int        `gorm:"column:records_rejected;type:integer;not null;default:0"`
	ErrorMessage    *string    `gorm:"column:error_message;type:text"`
}

func (IngestRun) TableName() string { return "adobs.ingest_runs" }

func autoMigrateModels() []any {
	return []any{
		&Page{},
		&Topic{},
		&Ad{},
		&Impression{},
		&RegionImpression{},
		&AdTopic{},
		&AdType{},
		&AdCreative{},
		&DerivedGeneration{},
		&PublishedGeneration{},
		&Cluster{},
		&ClusterMember{},
		&RollupRow{},
		&RefreshRun{},
		&IngestRun{},
	}
}
