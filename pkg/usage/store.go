package usage

import (
	"cmp"
	"context"
	"slices"
)

// Store persists counters.
type Store interface {
	// Mutate locks the counters identified by seeds, passes them to fn in
	// the order given and persists them when fn returns nil. A counter that
	// does not exist yet starts as a copy of its seed. Concurrent Mutate
	// calls on overlapping keys are serialized.
	Mutate(ctx context.Context, seeds []Counter, fn func(counters []*Counter) error) error
}

// lockOrder returns indexes of counters sorted by key, so that every caller
// acquires locks in the same order.
func lockOrder(counters []Counter) []int {
	idx := make([]int, len(counters))
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int {
		return cmp.Compare(counters[a].Key.String(), counters[b].Key.String())
	})
	return idx
}
