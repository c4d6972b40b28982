package reliable

import "time"

// deadlineEntry schedules a resend check for one pending packet. gen guards
// against ids that were acknowledged and reallocated before the entry popped.
type deadlineEntry struct {
	deadline time.Time
	id       uint16
	gen      uint64
}

// deadlineQueue is a min-heap of resend deadlines (container/heap).
type deadlineQueue []deadlineEntry

func (q deadlineQueue) Len() int { return len(q) }

func (q deadlineQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].gen < q[j].gen
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q deadlineQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *deadlineQueue) Push(x any) { *q = append(*q, x.(deadlineEntry)) }

func (q *deadlineQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	*q = old[:n-1]
	return entry
}
