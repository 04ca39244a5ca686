package cluster

import (
	"encoding/hex"
	"sort"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/fingerprint"
)

// entry is one clusterable creative.
type entry struct {
	archiveID adlib.ArchiveID
	exactKey  string
	simhash   *uint64
	dhash     *uint64
	partition int
}

func newEntry(c adlib.Creative) (entry, bool) {
	fp := c.Fingerprints
	if fp.Empty() {
		return entry{}, false
	}
	return entry{
		archiveID: c.ArchiveID,
		exactKey:  hex.EncodeToString(fp.TextSHA256) + "|" + hex.EncodeToString(fp.ImageHash),
		simhash:   fp.TextSimhash,
		dhash:     fp.ImageDHash,
	}, true
}

// exactPass unions every entry sharing an exact (text, image) digest pair and
// returns one representative per distinct pair, ordered by archive id.
func exactPass(uf *unionFind, entries []entry) []entry {
	first := make(map[string]int, len(entries))
	reps := make([]entry, 0, len(entries))
	for _, e := range entries {
		uf.add(e.archiveID)
		if idx, ok := first[e.exactKey]; ok {
			uf.union(reps[idx].archiveID, e.archiveID)
			continue
		}
		first[e.exactKey] = len(reps)
		reps = append(reps, e)
	}
	sort.Slice(reps, func(i, j int) bool {
		if reps[i].archiveID != reps[j].archiveID {
			return reps[i].archiveID < reps[j].archiveID
		}
		return reps[i].exactKey < reps[j].exactKey
	})
	return reps
}

// nearPass unions representatives whose text or image near-duplicate digests
// are within threshold. When crossOnly is set only pairs from different
// partitions are considered.
func nearPass(uf *unionFind, reps []entry, th Thresholds, crossOnly bool) int {
	unions := 0
	accept := func(a, b entry) {
		if crossOnly && a.partition == b.partition {
			return
		}
		if similar(a, b, th) && uf.union(a.archiveID, b.archiveID) {
			unions++
		}
	}

	if th.Text > 0 {
		idx := newBandIndex(th.Text)
		for i, e := range reps {
			if e.simhash != nil {
				idx.add(i, *e.simhash)
			}
		}
		idx.eachCandidate(func(i, j int) { accept(reps[i], reps[j]) })
	}
	if th.Image > 0 {
		idx := newBandIndex(th.Image)
		for i, e := range reps {
			if e.dhash != nil {
				idx.add(i, *e.dhash)
			}
		}
		idx.eachCandidate(func(i, j int) { accept(reps[i], reps[j]) })
	}
	return unions
}

// similar reports whether a and b are near duplicates on either feature.
func similar(a, b entry, th Thresholds) bool {
	if th.Text > 0 && a.simhash != nil && b.simhash != nil &&
		fingerprint.Hamming(*a.simhash, *b.simhash) < th.Text {
		return true
	}
	if th.Image > 0 && a.dhash != nil && b.dhash != nil &&
		fingerprint.Hamming(*a.dhash, *b.dhash) < th.Image {
		return true
	}
	return false
}

// bandIndex is an LSH index over 64-bit digests. With a threshold of T the
// digest is split into T bands; two digests at distance <= T-1 differ in at
// most T-1 bands, so they share at least one band exactly and are always
// emitted as candidates.
type bandIndex struct {
	bands   []bandSpec
	buckets []map[uint64][]int
}

type bandSpec struct {
	shift uint
	mask  uint64
}

func newBandIndex(threshold int) *bandIndex {
	n := threshold
	if n > 64 {
		n = 64
	}
	if n < 1 {
		n = 1
	}
	bands := make([]bandSpec, 0, n)
	offset := 0
	for b := 0; b < n; b++ {
		width := 64 / n
		if b < 64%n {
			width++
		}
		mask := uint64(1)<<uint(width) - 1
		if width == 64 {
			mask = ^uint64(0)
		}
		bands = append(bands, bandSpec{shift: uint(offset), mask: mask})
		offset += width
	}
	buckets := make([]map[uint64][]int, n)
	for i := range buckets {
		buckets[i] = make(map[uint64][]int)
	}
	return &bandIndex{bands: bands, buckets: buckets}
}

func (b *bandIndex) add(id int, digest uint64) {
	for i, band := range b.bands {
		key := (digest >> band.shift) & band.mask
		b.buckets[i][key] = append(b.buckets[i][key], id)
	}
}

// eachCandidate calls fn once per distinct pair sharing any band.
func (b *bandIndex) eachCandidate(fn func(i, j int)) {
	type pair struct{ i, j int }
	seen := make(map[pair]struct{})
	for _, buckets := range b.buckets {
		keys := make([]uint64, 0, len(buckets))
		for key := range buckets {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(x, y int) bool { return keys[x] < keys[y] })
		for _, key := range keys {
			ids := buckets[key]
			for x := 0; x < len(ids); x++ {
				for y := x + 1; y < len(ids); y++ {
					p := pair{i: ids[x], j: ids[y]}
					if _, ok := seen[p]; ok {
						continue
					}
					seen[p] = struct{}{}
					fn(p.i, p.j)
				}
			}
		}
	}
}
