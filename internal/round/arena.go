package round

import (
	"sort"
)

// Arena holds the live rounds by id. Neighbours are reached by id lookup.
// It is owned by the loop goroutine.
type Arena struct {
	rounds map[uint64]*Round
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{rounds: make(map[uint64]*Round)}
}

// Get returns the round with the given id.
func (a *Arena) Get(id uint64) (*Round, bool) {
	r, ok := a.rounds[id]
	return r, ok
}

// Put stores r under its id.
func (a *Arena) Put(r *Round) {
	a.rounds[r.id] = r
}

// Len returns the number of live rounds.
func (a *Arena) Len() int {
	return len(a.rounds)
}

// IDs returns the live round ids in ascending order.
func (a *Arena) IDs() []uint64 {
	ids := make([]uint64, 0, len(a.rounds))
	for id := range a.rounds {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// PruneBelow removes every round with id < min and returns how many were removed.
func (a *Arena) PruneBelow(min uint64) int {
	n := 0
	for id := range a.rounds {
		if id < min {
			delete(a.rounds, id)
			n++
		}
	}

	return n
}
