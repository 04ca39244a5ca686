package adlib

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Snapshot is a point-in-time copy of the source tables taken at the start of
// a refresh. The pipeline never reads the live tables after it is taken.
type Snapshot struct {
	TakenAt   time.Time
	Ads       []Ad
	Creatives []Creative
	Pages     map[PageID]Page
	Topics    map[TopicID]Topic

	owners map[PageID]PageID
}

// PrepareReport counts the data-quality repairs Prepare applied.
type PrepareReport struct {
	SwappedRanges     int
	Uncategorized     int
	FlattenedOwners   int
	BrokenOwnerCycles int
}

// Prepare repairs the snapshot in place so downstream stages can rely on the
// core invariants: every ad has at least one topic, ranges are ordered, and
// page ownership is at most two levels deep. Every repair is logged.
func (s *Snapshot) Prepare(logger zerolog.Logger) PrepareReport {
	var report PrepareReport
	if s.Topics == nil {
		s.Topics = make(map[TopicID]Topic)
	}
	if _, ok := s.Topics[UncategorizedTopicID]; !ok {
		s.Topics[UncategorizedTopicID] = Topic{ID: UncategorizedTopicID, Name: UncategorizedTopicName}
	}

	sort.Slice(s.Ads, func(i, j int) bool { return s.Ads[i].ArchiveID < s.Ads[j].ArchiveID })

	for i := range s.Ads {
		ad := &s.Ads[i]
		if len(ad.Topics) == 0 {
			ad.Topics = []TopicID{UncategorizedTopicID}
			report.Uncategorized++
		}
		if swapRanges(ad, logger) {
			report.SwappedRanges++
		}
	}

	s.owners, report.FlattenedOwners, report.BrokenOwnerCycles = flattenOwners(s.Pages, logger)
	return report
}

// OwnerOf resolves the page that owns id. Pages without an owner own themselves.
func (s *Snapshot) OwnerOf(id PageID) PageID {
	if owner, ok := s.owners[id]; ok {
		return owner
	}
	if page, ok := s.Pages[id]; ok && page.OwnerID != NoPage {
		return page.OwnerID
	}
	return id
}

// AdsByID indexes the snapshot ads by archive id.
func (s *Snapshot) AdsByID() map[ArchiveID]Ad {
	out := make(map[ArchiveID]Ad, len(s.Ads))
	for _, ad := range s.Ads {
		out[ad.ArchiveID] = ad
	}
	return out
}

func swapRanges(ad *Ad, logger zerolog.Logger) bool {
	swapped := false
	if r, ok := ad.Estimate.Spend.Normalize(); ok {
		ad.Estimate.Spend = r
		swapped = true
		logger.Warn().Int64("archive_id", int64(ad.ArchiveID)).Str("field", "spend").Msg("inverted range swapped")
	}
	if r, ok := ad.Estimate.Impressions.Normalize(); ok {
		ad.Estimate.Impressions = r
		swapped = true
		logger.Warn().Int64("archive_id", int64(ad.ArchiveID)).Str("field", "impressions").Msg("inverted range swapped")
	}
	for i := range ad.Regions {
		region := &ad.Regions[i]
		if r, ok := region.Spend.Normalize(); ok {
			region.Spend = r
			swapped = true
			logger.Warn().Int64("archive_id", int64(ad.ArchiveID)).Str("region", region.Region).Str("field", "spend").Msg("inverted region range swapped")
		}
		if r, ok := region.Impressions.Normalize(); ok {
			region.Impressions = r
			swapped = true
			logger.Warn().Int64("archive_id", int64(ad.ArchiveID)).Str("region", region.Region).Str("field", "impressions").Msg("inverted region range swapped")
		}
	}
	return swapped
}

// flattenOwners maps every owned page to the top of its ownership chain.
// Chains deeper than two levels are collapsed and cycles are cut at the page
// where they were detected.
func flattenOwners(pages map[PageID]Page, logger zerolog.Logger) (map[PageID]PageID, int, int) {
	owners := make(map[PageID]PageID, len(pages))
	flattened, cycles := 0, 0

	ids := make([]PageID, 0, len(pages))
	for id := range pages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		page := pages[id]
		if page.OwnerID == NoPage || page.OwnerID == id {
			continue
		}

		seen := map[PageID]struct{}{id: {}}
		root := page.OwnerID
		depth := 1
		cyclic := false
		for {
			next, ok := pages[root]
			if !ok || next.OwnerID == NoPage || next.OwnerID == root {
				break
			}
			if _, loop := seen[next.OwnerID]; loop {
				cyclic = true
				break
			}
			seen[root] = struct{}{}
			root = next.OwnerID
			depth++
		}

		if cyclic {
			cycles++
			logger.Warn().Int64("page_id", int64(id)).Msg("page ownership cycle; page treated as its own owner")
			owners[id] = id
			continue
		}
		if depth > 1 {
			flattened++
			logger.Warn().
				Int64("page_id", int64(id)).
				Int64("declared_owner", int64(page.OwnerID)).
				Int64("resolved_owner", int64(root)).
				Msg("page ownership deeper than two levels; flattened to top owner")
		}
		owners[id] = root
	}
	return owners, flattened, cycles
}
