package rollover

import (
	"container/heap"
	"time"
)

// wakeEntry is one patient's next local-midnight wake time.
type wakeEntry struct {
	patientID string
	zone      string
	wakeAt    time.Time
}

// wakeHeap orders patients by their next local midnight, so one sweep pops
// only the patients actually due instead of scanning every timezone.
type wakeHeap []*wakeEntry

func (h wakeHeap) Len() int            { return len(h) }
func (h wakeHeap) Less(i, j int) bool  { return h[i].wakeAt.Before(h[j].wakeAt) }
func (h wakeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *wakeHeap) Push(x interface{}) { *h = append(*h, x.(*wakeEntry)) }
func (h *wakeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func newWakeHeap() *wakeHeap {
	h := &wakeHeap{}
	heap.Init(h)
	return h
}

func (h *wakeHeap) push(e *wakeEntry) { heap.Push(h, e) }

// popDue removes and returns every entry whose wake time is at or before
// the cutoff.
func (h *wakeHeap) popDue(cutoff time.Time) []*wakeEntry {
	var due []*wakeEntry
	for h.Len() > 0 && !(*h)[0].wakeAt.After(cutoff) {
		due = append(due, heap.Pop(h).(*wakeEntry))
	}
	return due
}
