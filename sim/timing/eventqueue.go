package timing

import "container/heap"

// pendingEvent is an entry in the event queue. Payload carries no pointers so
// that it survives a save-state round trip.
type pendingEvent struct {
	Time     Cycles
	Sequence uint64
	Payload  uint64
	Type     *EventType
}

// envelope is a scheduling request posted from a non-owning goroutine. The
// sequence number is assigned when the owner drains it.
type envelope struct {
	Time    Cycles
	Payload uint64
	Type    *EventType
}

// eventHeap is a binary min-heap ordered by (Time, Sequence).
type eventHeap []pendingEvent

func (h eventHeap) Len() int {
	return len(h)
}

func (h eventHeap) Less(i, j int) bool {
	if h[i].Time != h[j].Time {
		return h[i].Time < h[j].Time
	}

	return h[i].Sequence < h[j].Sequence
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *eventHeap) Push(x interface{}) {
	*h = append(*h, x.(pendingEvent))
}

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	evt := old[n-1]
	old[n-1] = pendingEvent{}
	*h = old[:n-1]

	return evt
}

func (h eventHeap) peek() pendingEvent {
	return h[0]
}

func (h *eventHeap) push(evt pendingEvent) {
	heap.Push(h, evt)
}

func (h *eventHeap) pop() pendingEvent {
	return heap.Pop(h).(pendingEvent)
}

// removeIf compacts out every entry matching pred and restores the heap
// order. It returns the number of entries removed.
func (h *eventHeap) removeIf(pred func(pendingEvent) bool) int {
	old := *h
	kept := old[:0]

	for _, evt := range old {
		if !pred(evt) {
			kept = append(kept, evt)
		}
	}

	removed := len(old) - len(kept)
	if removed == 0 {
		return 0
	}

	for i := len(kept); i < len(old); i++ {
		old[i] = pendingEvent{}
	}

	*h = kept
	heap.Init(h)

	return removed
}

// retime maps every entry's time through f and restores the heap order.
// Entries that f maps to the same time are ordered by sequence again.
func (h *eventHeap) retime(f func(Cycles) Cycles) {
	for i := range *h {
		(*h)[i].Time = f((*h)[i].Time)
	}

	heap.Init(h)
}

func (h *eventHeap) clear() {
	for i := range *h {
		(*h)[i] = pendingEvent{}
	}

	*h = (*h)[:0]
}
