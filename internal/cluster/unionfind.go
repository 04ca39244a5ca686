package cluster

import "github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"

// unionFind is a disjoint-set forest over archive ids. The root of every set
// is its lowest archive id, so the forest shape after any sequence of unions
// depends only on the resulting partition.
type unionFind struct {
	parent map[adlib.ArchiveID]adlib.ArchiveID
}

func newUnionFind(capacity int) *unionFind {
	return &unionFind{parent: make(map[adlib.ArchiveID]adlib.ArchiveID, capacity)}
}

func (u *unionFind) add(id adlib.ArchiveID) {
	if _, ok := u.parent[id]; !ok {
		u.parent[id] = id
	}
}

func (u *unionFind) find(id adlib.ArchiveID) adlib.ArchiveID {
	u.add(id)
	for {
		parent := u.parent[id]
		if parent == id {
			return id
		}
		grand := u.parent[parent]
		u.parent[id] = grand
		id = grand
	}
}

// union merges the sets of a and b and reports whether they were distinct.
func (u *unionFind) union(a, b adlib.ArchiveID) bool {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return false
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	return true
}

// sets groups every known id by root. Members are not ordered.
func (u *unionFind) sets() map[adlib.ArchiveID][]adlib.ArchiveID {
	out := make(map[adlib.ArchiveID][]adlib.ArchiveID)
	for id := range u.parent {
		root := u.find(id)
		out[root] = append(out[root], id)
	}
	return out
}
