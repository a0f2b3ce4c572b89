package timer

import (
	"container/heap"
	"time"
)

// entry is one pending fire of a handle.
type entry struct {
	h     *Handle
	dueAt time.Time
	seq   uint64
	index int
}

// queue is a min-heap ordered by (dueAt, seq). A periodic handle keeps its
// registration seq across re-arms, so equal due times fire in FIFO order.
type queue []*entry

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].dueAt.Equal(q[j].dueAt) {
		return q[i].seq < q[j].seq
	}
	return q[i].dueAt.Before(q[j].dueAt)
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

func (q *queue) push(e *entry) { heap.Push(q, e) }

func (q queue) peek() *entry {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (q *queue) pop() *entry { return heap.Pop(q).(*entry) }

func (q *queue) remove(e *entry) {
	if e == nil || e.index < 0 || e.index >= len(*q) || (*q)[e.index] != e {
		return
	}
	heap.Remove(q, e.index)
}

// rearm moves the root entry to a new due time in place.
func (q *queue) rearm(e *entry, due time.Time) {
	e.dueAt = due
	heap.Fix(q, e.index)
}
