// Package watermark tracks the highest update id N such that every id
// in (floor, N] has been observed, even when ids arrive out of order.
// Persisting the watermark guarantees that on restart no acknowledged
// update is replayed with side effects.
package watermark

import (
	"container/heap"
	"sync"
)

// Watermark is the monotone minimum of a sparsely seen integer
// sequence. Safe for concurrent use.
type Watermark struct {
	mu    sync.Mutex
	min   int64
	ahead aheadHeap
	seen  map[int64]struct{}
}

// New returns a Watermark with the given floor. Ids at or below the
// floor are treated as already observed.
func New(floor int64) *Watermark {
	return &Watermark{
		min:  floor,
		seen: make(map[int64]struct{}),
	}
}

// Add records an observed id. Ids at or below the current minimum and
// duplicates are ignored. When the id closes a gap, the minimum
// advances across the whole contiguous run.
func (w *Watermark) Add(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if id <= w.min {
		return
	}
	if _, dup := w.seen[id]; dup {
		return
	}
	w.seen[id] = struct{}{}
	heap.Push(&w.ahead, id)

	for w.ahead.Len() > 0 && w.ahead[0] == w.min+1 {
		w.min = heap.Pop(&w.ahead).(int64)
		delete(w.seen, w.min)
	}
}

// Min returns the current watermark.
func (w *Watermark) Min() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.min
}

// SetMin forces the floor. Out-of-order ids at or below the new floor
// are discarded; ids above it may still close future gaps.
func (w *Watermark) SetMin(floor int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if floor <= w.min {
		return
	}
	w.min = floor

	kept := w.ahead[:0]
	for _, id := range w.ahead {
		if id > floor {
			kept = append(kept, id)
		} else {
			delete(w.seen, id)
		}
	}
	w.ahead = kept
	heap.Init(&w.ahead)

	for w.ahead.Len() > 0 && w.ahead[0] == w.min+1 {
		w.min = heap.Pop(&w.ahead).(int64)
		delete(w.seen, w.min)
	}
}

// aheadHeap is a min-heap of ids observed above the watermark.
type aheadHeap []int64

func (h aheadHeap) Len() int            { return len(h) }
func (h aheadHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h aheadHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *aheadHeap) Push(x interface{}) { *h = append(*h, x.(int64)) }
func (h *aheadHeap) Pop() interface{} {
	old := *h
	n := len(old)
	id := old[n-1]
	*h = old[:n-1]
	return id
}
