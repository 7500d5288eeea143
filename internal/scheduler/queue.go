package scheduler

import "time"

// entry is one pending timer in the priority queue.
type entry struct {
	fireAt      time.Time
	sessionID   string
	walletIndex int
	index       int // position in the heap, -1 once popped
}

// entryQueue is a min-heap ordered by (fireAt, sessionID, walletIndex).
type entryQueue []*entry

func (q entryQueue) Len() int { return len(q) }

func (q entryQueue) Less(i, j int) bool {
	if !q[i].fireAt.Equal(q[j].fireAt) {
		return q[i].fireAt.Before(q[j].fireAt)
	}
	if q[i].sessionID != q[j].sessionID {
		return q[i].sessionID < q[j].sessionID
	}
	return q[i].walletIndex < q[j].walletIndex
}

func (q entryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *entryQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *entryQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
