package dialer

import (
	"sort"
	"sync"
)

// WeightedIterator cycles over a set of ids, yielding each one a number of
// times equal to its weight before starting the next cycle. Weights may be
// changed from other goroutines; a new snapshot is taken between cycles so
// changes apply at the next cycle boundary.
type WeightedIterator struct {
	mu      sync.Mutex
	weights map[string]int
	order   []string
	left    map[string]int // yields remaining in the current cycle
	pos     int
}

// NewWeightedIterator returns an empty iterator.
func NewWeightedIterator() *WeightedIterator {
	return &WeightedIterator{
		weights: make(map[string]int),
		left:    make(map[string]int),
	}
}

// SetWeight sets an id's weight. A weight of zero or less removes the id.
// The current cycle keeps its snapshot; the change lands at the next one.
func (it *WeightedIterator) SetWeight(id string, weight int) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if weight <= 0 {
		delete(it.weights, id)
		delete(it.left, id)
	} else {
		it.weights[id] = weight
	}
	it.rebuildOrder()
}

// Remove drops an id immediately, current cycle included.
func (it *WeightedIterator) Remove(id string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	delete(it.weights, id)
	delete(it.left, id)
	it.rebuildOrder()
}

// Len returns the number of ids with a positive weight.
func (it *WeightedIterator) Len() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.weights)
}

// Weights returns a copy of the current weight table.
func (it *WeightedIterator) Weights() map[string]int {
	it.mu.Lock()
	defer it.mu.Unlock()
	out := make(map[string]int, len(it.weights))
	for id, w := range it.weights {
		out[id] = w
	}
	return out
}

// Next yields the next id in weighted round-robin order, or "" when the
// iterator is empty. Ids are visited in sorted order so the sequence is
// deterministic for a given weight table.
func (it *WeightedIterator) Next() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	if len(it.order) == 0 {
		return ""
	}
	for scanned := 0; scanned < len(it.order); scanned++ {
		id := it.order[it.pos%len(it.order)]
		it.pos++
		if it.left[id] > 0 {
			it.left[id]--
			return id
		}
	}
	// Cycle exhausted: snapshot the live weights and go again.
	for id, w := range it.weights {
		it.left[id] = w
	}
	it.pos = 0
	id := it.order[0]
	it.left[id]--
	it.pos = 1
	return id
}

func (it *WeightedIterator) rebuildOrder() {
	it.order = it.order[:0]
	for id := range it.weights {
		it.order = append(it.order, id)
	}
	sort.Strings(it.order)
	if it.pos >= len(it.order) {
		it.pos = 0
	}
}
