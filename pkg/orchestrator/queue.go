package orchestrator

import (
	"sync"
)

type queuedTask struct {
	id       string
	priority int
}

// taskQueue is an in-memory priority FIFO. Higher priority dequeues
// first; equal priorities keep submission order.
type taskQueue struct {
	mu     sync.Mutex
	items  []queuedTask
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

func (q *taskQueue) enqueue(id string, priority int) {
	q.mu.Lock()
	pos := len(q.items)
	for i, item := range q.items {
		if priority > item.priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, queuedTask{})
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = queuedTask{id: id, priority: priority}
	q.mu.Unlock()
	q.notify()
}

// dequeue removes and returns the next task id, or ("", false) when the
// queue is empty.
func (q *taskQueue) dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item.id, true
}

// remove deletes a queued task by id. Used by immediate cancellation.
func (q *taskQueue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.id == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// notify wakes one waiting worker. Workers re-check the queue before
// blocking, so a dropped signal never strands a task.
func (q *taskQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *taskQueue) wait() <-chan struct{} {
	return q.signal
}
