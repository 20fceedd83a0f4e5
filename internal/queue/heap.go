package queue

import "github.com/tanmayb/downpour/internal/task"

// admissionItem orders tasks for admission: priority descending, then
// creation time ascending, then admission sequence for stability.
type admissionItem struct {
	id        string
	priority  task.Priority
	createdAt int64
	seq       int64
}

// admissionHeap implements container/heap as a max-heap over admissionItem.
type admissionHeap []*admissionItem

func (h admissionHeap) Len() int { return len(h) }

func (h admissionHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if h[i].createdAt != h[j].createdAt {
		return h[i].createdAt < h[j].createdAt
	}
	return h[i].seq < h[j].seq
}

func (h admissionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *admissionHeap) Push(x any) {
	*h = append(*h, x.(*admissionItem))
}

func (h *admissionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
