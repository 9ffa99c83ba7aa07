package task

import "sync"

// Queue is an in-memory FIFO of task specs with task-ID dedup. Durability
// comes from the persisted pending status in the state store, not from the
// queue itself.
type Queue struct {
	mu    sync.Mutex
	items []Spec
	ids   map[string]struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{ids: make(map[string]struct{})}
}

// Enqueue appends the task unless its ID is already queued.
func (q *Queue) Enqueue(spec Spec) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.ids[spec.TaskID]; ok {
		return false
	}
	q.items = append(q.items, spec)
	q.ids[spec.TaskID] = struct{}{}
	return true
}

// Dequeue pops the oldest task, or returns false when empty.
func (q *Queue) Dequeue() (Spec, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Spec{}, false
	}
	spec := q.items[0]
	q.items = q.items[1:]
	delete(q.ids, spec.TaskID)
	return spec, true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
