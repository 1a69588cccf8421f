package tcp

import (
	"container/heap"
	"time"
)

// One timer queue serves every connection: a min-heap on deadline owned by
// the engine, with cancellation by handle instead of in-place list surgery.
// The queue itself is not goroutine-safe; the engine serializes access.

type timerKind int

const (
	timerRetransmit timerKind = iota
	timerDelayedAck
	timerTimeWait
)

func (k timerKind) String() string {
	switch k {
	case timerRetransmit:
		return "retransmit"
	case timerDelayedAck:
		return "delayed-ack"
	case timerTimeWait:
		return "time-wait"
	default:
		return "unknown"
	}
}

type timerID uint64

type timerEntry struct {
	id    timerID
	when  time.Time
	kind  timerKind
	key   connKey
	index int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)        { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type timerQueue struct {
	heap   timerHeap
	byID   map[timerID]*timerEntry
	nextID timerID
}

func newTimerQueue() *timerQueue {
	return &timerQueue{byID: make(map[timerID]*timerEntry)}
}

// schedule arms a timer and returns its cancellation handle.
func (q *timerQueue) schedule(when time.Time, kind timerKind, key connKey) timerID {
	q.nextID++
	e := &timerEntry{id: q.nextID, when: when, kind: kind, key: key}
	heap.Push(&q.heap, e)
	q.byID[e.id] = e
	return e.id
}

// cancel removes a pending timer. Cancelling an already-fired or unknown
// handle is a no-op.
func (q *timerQueue) cancel(id timerID) {
	e, ok := q.byID[id]
	if !ok {
		return
	}
	delete(q.byID, id)
	heap.Remove(&q.heap, e.index)
}

// next returns the earliest pending deadline.
func (q *timerQueue) next() (time.Time, bool) {
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].when, true
}

// expire pops every timer due at now, in deadline order.
func (q *timerQueue) expire(now time.Time) []*timerEntry {
	var due []*timerEntry
	for len(q.heap) > 0 && !q.heap[0].when.After(now) {
		e := heap.Pop(&q.heap).(*timerEntry)
		delete(q.byID, e.id)
		due = append(due, e)
	}
	return due
}
