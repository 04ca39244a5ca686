package refresh

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cluster"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/rollup"
)

// Generation is one complete, immutable set of derived state. Readers hold a
// pointer to a generation and never observe it change.
type Generation struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	BuiltAt     time.Time
	PublishedAt time.Time

	Snapshot *adlib.Snapshot
	Clusters *cluster.Result
	Rollups  *rollup.Set

	// Fingerprinted lists creatives whose fingerprints were computed in this
	// run and must be persisted with the generation.
	Fingerprinted []adlib.Creative
}

// RowsBySpec counts rollup rows per spec name.
func (g *Generation) RowsBySpec() map[string]int {
	out := make(map[string]int)
	if g == nil || g.Rollups == nil {
		return out
	}
	for _, name := range g.Rollups.Names() {
		t, _ := g.Rollups.Table(name)
		out[name] = len(t.Rows)
	}
	return out
}

// Published holds the live generation. Swaps are atomic: a reader sees either
// the previous generation or the new one in full.
type Published struct {
	current atomic.Pointer[Generation]
}

func NewPublished() *Published {
	return &Published{}
}

// Current returns the live generation or nil before the first publish.
func (p *Published) Current() *Generation {
	if p == nil {
		return nil
	}
	return p.current.Load()
}

// swap installs next and returns the retired generation.
func (p *Published) swap(next *Generation) *Generation {
	return p.current.Swap(next)
}
