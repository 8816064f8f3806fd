package router

import (
	"container/heap"
	"time"
)

// timerEntry is one scheduled deadline: when it fires, the Router
// looks up the pending request by clientID and, if it is still
// outstanding, completes it with whatever has been collected so far.
type timerEntry struct {
	deadline time.Time
	clientID string
	index    int // heap.Interface bookkeeping
}

// timerHeap is a container/heap min-heap ordered by deadline, polled
// by a single time.Ticker at ~10ms resolution (spec.md §5 "timer wheel
// at ~10 ms resolution"). Keeping deadlines in one heap rather than
// one timer per request keeps Router state single-owner: only the
// event loop goroutine ever touches it.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool   { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// schedule adds a deadline entry to the heap.
func schedule(h *timerHeap, clientID string, deadline time.Time) {
	heap.Push(h, &timerEntry{deadline: deadline, clientID: clientID})
}

// popExpired removes and returns every entry whose deadline is at or
// before now, in deadline order.
func popExpired(h *timerHeap, now time.Time) []*timerEntry {
	var expired []*timerEntry
	for h.Len() > 0 && !(*h)[0].deadline.After(now) {
		expired = append(expired, heap.Pop(h).(*timerEntry))
	}
	return expired
}
