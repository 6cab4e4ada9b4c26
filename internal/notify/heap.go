package notify

import "time"

// item is one notification the scheduler still owns. index is its slot in
// the timer heap, or -1 once it has been handed to the delivery workers.
type item struct {
	n      Notification
	seq    uint64
	index  int
	apptAt time.Time // reminders only
}

// timerHeap orders items by ScheduledFor, then creation order.
type timerHeap []*item

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].n.ScheduledFor.Equal(h[j].n.ScheduledFor) {
		return h[i].n.ScheduledFor.Before(h[j].n.ScheduledFor)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
