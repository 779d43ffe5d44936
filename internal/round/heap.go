package round

import "container/heap"

// heapEntry stores only the bet id, per the rearchitecture guidance: the
// engine's betsByID map is looked up on pop rather than carrying a pointer
// into the heap, so a bet removed (e.g. refunded) never leaves a dangling
// reference behind.
type heapEntry struct {
	betID      string
	targetTime int64 // nanoseconds, for a stable total order
	sequence   int64
}

// resolutionHeap is a min-heap over (targetTime, sequence), used by the
// tick loop to pop bets in the order their target time elapses.
type resolutionHeap []heapEntry

func (h resolutionHeap) Len() int { return len(h) }
func (h resolutionHeap) Less(i, j int) bool {
	if h[i].targetTime != h[j].targetTime {
		return h[i].targetTime < h[j].targetTime
	}
	return h[i].sequence < h[j].sequence
}
func (h resolutionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *resolutionHeap) Push(x interface{}) {
	*h = append(*h, x.(heapEntry))
}

func (h *resolutionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// betHeap wraps resolutionHeap with the container/heap invariant methods
// pre-applied, plus a monotonic sequence counter for ties.
type betHeap struct {
	h        resolutionHeap
	sequence int64
}

func newBetHeap() *betHeap {
	bh := &betHeap{h: resolutionHeap{}}
	heap.Init(&bh.h)
	return bh
}

func (bh *betHeap) push(betID string, targetTime int64) {
	bh.sequence++
	heap.Push(&bh.h, heapEntry{betID: betID, targetTime: targetTime, sequence: bh.sequence})
}

func (bh *betHeap) peek() (heapEntry, bool) {
	if bh.h.Len() == 0 {
		return heapEntry{}, false
	}
	return bh.h[0], true
}

func (bh *betHeap) pop() (heapEntry, bool) {
	if bh.h.Len() == 0 {
		return heapEntry{}, false
	}
	return heap.Pop(&bh.h).(heapEntry), true
}

func (bh *betHeap) len() int {
	return bh.h.Len()
}
