// Package adlib holds the ad-library source records the derived pipeline reads:
// ads with their range-valued estimates, creatives, pages and topics.
package adlib

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/estimate"
)

type (
	ArchiveID int64
	PageID    int64
	TopicID   int64
)

// NoPage marks an ad without an owning page.
const NoPage PageID = 0

const (
	UncategorizedTopicID   TopicID = 0
	UncategorizedTopicName         = "Uncategorized"
)

// ImpressionEstimate is the range-valued delivery estimate attached to one ad.
type ImpressionEstimate struct {
	Spend         estimate.Range
	Impressions   estimate.Range
	SpendEstimate *decimal.Decimal
}

// RegionImpression is the per-region share of an ad's delivery estimate.
type RegionImpression struct {
	Region      string
	Spend       estimate.Range
	Impressions estimate.Range
}

type Ad struct {
	ArchiveID     ArchiveID
	PageID        PageID
	CreationTime  time.Time
	DeliveryStart time.Time
	DeliveryStop  time.Time
	LastActive    time.Time
	Currency      string
	FundingEntity string
	Estimate      ImpressionEstimate
	Topics        []TopicID
	AdTypes       []string
	Regions       []RegionImpression
	LastModified  time.Time
}

// Start is the first known delivery day, falling back to the creation time.
func (a Ad) Start() time.Time {
	if !a.DeliveryStart.IsZero() {
		return a.DeliveryStart
	}
	return a.CreationTime
}

// End is the last known active day: last_active, then delivery stop, then start.
func (a Ad) End() time.Time {
	switch {
	case !a.LastActive.IsZero():
		return a.LastActive
	case !a.DeliveryStop.IsZero():
		return a.DeliveryStop
	default:
		return a.Start()
	}
}

func (a Ad) Window() estimate.Window {
	return estimate.NewWindow(a.Start(), a.End())
}

func (a Ad) HasPage() bool {
	return a.PageID != NoPage
}

// Fingerprints is the persisted digest set of one creative. Nil slices and
// pointers mean the input was absent or unreadable.
type Fingerprints struct {
	TextSHA256  []byte
	TextSimhash *uint64
	ImageHash   []byte
	ImageDHash  *uint64
	Version     int
}

func (f Fingerprints) Empty() bool {
	return len(f.TextSHA256) == 0 && f.TextSimhash == nil && len(f.ImageHash) == 0 && f.ImageDHash == nil
}

type Creative struct {
	ID              int64
	ArchiveID       ArchiveID
	Body            string
	LinkTitle       string
	LinkCaption     string
	LinkDescription string
	ImageURL        string
	ImageBytes      []byte
	Language        string
	Fingerprints    Fingerprints
}

// Text joins every text field that identifies the creative.
func (c Creative) Text() string {
	parts := make([]string, 0, 4)
	for _, part := range []string{c.Body, c.LinkTitle, c.LinkCaption, c.LinkDescription} {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "\n")
}

func (c Creative) HasImage() bool {
	return len(c.ImageBytes) > 0 || strings.TrimSpace(c.ImageURL) != ""
}

type Page struct {
	ID      PageID
	Name    string
	OwnerID PageID
}

type Topic struct {
	ID   TopicID
	Name string
}
