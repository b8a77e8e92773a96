package sim

// timerEntry is a scheduled future event: a sleeping task's wakeup, a network
// delivery, or a fault action. Entries are ordered by (deadline, seq); seq is
// a simulation-wide counter assigned at registration, so two entries with the
// same deadline always fire in registration order, never in heap-internal or
// map-iteration order.
type timerEntry struct {
	deadline  VirtualTime
	seq       uint64
	fire      func()
	cancelled bool
}

// timerHeap implements heap.Interface with deterministic ordering.
// Cancellation marks the entry and leaves it in place; the executor skips
// cancelled entries when popping. That keeps cancellation O(1) without
// disturbing the heap.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*timerEntry))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
