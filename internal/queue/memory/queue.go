// Package memory provides an in-process delay queue for scheduled delivery
// attempts.
package memory

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

// Task is a delivery attempt scheduled for a point in time.
type Task struct {
	DeliveryID string
	Due        time.Time
}

// DelayQueue orders tasks by due time. A delivery id is queued at most once;
// pushing it again reschedules the existing entry.
type DelayQueue struct {
	mu    sync.Mutex
	items taskHeap
	index map[string]*entry
	wake  chan struct{}
}

// NewDelayQueue constructs an empty queue.
func NewDelayQueue() *DelayQueue {
	return &DelayQueue{
		index: make(map[string]*entry),
		wake:  make(chan struct{}, 1),
	}
}

// Push schedules (or reschedules) a task.
func (q *DelayQueue) Push(task Task) {
	q.mu.Lock()
	if e, ok := q.index[task.DeliveryID]; ok {
		e.task.Due = task.Due
		heap.Fix(&q.items, e.pos)
	} else {
		e := &entry{task: task}
		heap.Push(&q.items, e)
		q.index[task.DeliveryID] = e
	}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Remove drops a queued task and reports whether it was present.
func (q *DelayQueue) Remove(deliveryID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[deliveryID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, e.pos)
	delete(q.index, deliveryID)
	return true
}

// Due pops every task whose due time is at or before now, earliest first.
func (q *DelayQueue) Due(now time.Time) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Task
	for q.items.Len() > 0 && !q.items[0].task.Due.After(now) {
		e, _ := heap.Pop(&q.items).(*entry)
		delete(q.index, e.task.DeliveryID)
		out = append(out, e.task)
	}
	return out
}

// Next returns the earliest due time, if any task is queued.
func (q *DelayQueue) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return time.Time{}, false
	}
	return q.items[0].task.Due, true
}

// Pending returns a snapshot of queued tasks in due order.
func (q *DelayQueue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.items))
	for _, e := range q.items {
		out = append(out, e.task)
	}
	sortTasks(out)
	return out
}

// Len reports the number of queued tasks.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Wake fires after every Push so pollers can re-evaluate Next.
func (q *DelayQueue) Wake() <-chan struct{} {
	return q.wake
}

type entry struct {
	task Task
	pos  int
}

type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Due.Equal(h[j].task.Due) {
		return h[i].task.DeliveryID < h[j].task.DeliveryID
	}
	return h[i].task.Due.Before(h[j].task.Due)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *taskHeap) Push(x any) {
	e, _ := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Due.Equal(tasks[j].Due) {
			return tasks[i].DeliveryID < tasks[j].DeliveryID
		}
		return tasks[i].Due.Before(tasks[j].Due)
	})
}
