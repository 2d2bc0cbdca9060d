package taskmanager

import (
	"container/heap"

	"github.com/cuemby/netlab/pkg/types"
)

// queueItem is one entry in the priority queue: higher Priority sorts
// first, ties broken by earlier CreatedMillis, further ties broken by
// insertion order (Seq) for FIFO-within-priority-class behavior.
type queueItem struct {
	task          *types.Task
	createdMillis int64
	seq           int64
	index         int
}

// taskHeap implements container/heap.Interface. Its Less mirrors the
// original's (-priority, created_time.timestamp()) PriorityQueue tuple key.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	if h[i].createdMillis != h[j].createdMillis {
		return h[i].createdMillis < h[j].createdMillis
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*taskHeap)(nil)

// heapPush and heapPop wrap container/heap so callers in taskmanager.go
// never need to import container/heap directly.
func heapPush(h *taskHeap, item *queueItem) {
	heap.Push(h, item)
}

func heapPop(h *taskHeap) *queueItem {
	return heap.Pop(h).(*queueItem)
}
