package memory

import (
	"fmt"
	"sync"

	"eva/internal/logging"
)

// SerialQueue serializes every memory-mutating operation through a single
// worker. The next task begins only after the prior task completes; failures
// do not poison the queue.
type SerialQueue struct {
	tasks chan queueTask

	mu        sync.RWMutex
	closeOnce sync.Once
	closed    chan struct{}
	drained   chan struct{}
}

type queueTask struct {
	name string
	fn   func() error
	done chan error
}

// NewSerialQueue starts the worker goroutine.
func NewSerialQueue() *SerialQueue {
	q := &SerialQueue{
		tasks:   make(chan queueTask, 64),
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *SerialQueue) run() {
	defer close(q.drained)
	for task := range q.tasks {
		err := runTask(task)
		task.done <- err
	}
}

func runTask(task queueTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryMemory).Error("Queue task %s panicked: %v", task.name, r)
			err = fmt.Errorf("task %s panicked: %v", task.name, r)
		}
	}()
	return task.fn()
}

// Do enqueues fn and waits for its completion. Tasks execute strictly in
// enqueue order.
func (q *SerialQueue) Do(name string, fn func() error) error {
	q.mu.RLock()
	select {
	case <-q.closed:
		q.mu.RUnlock()
		return fmt.Errorf("serial queue closed, rejecting task %s", name)
	default:
	}

	task := queueTask{name: name, fn: fn, done: make(chan error, 1)}
	q.tasks <- task
	q.mu.RUnlock()
	return <-task.done
}

// Close stops accepting new tasks and waits for queued tasks to finish.
func (q *SerialQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		close(q.closed)
		close(q.tasks)
		q.mu.Unlock()
	})
	<-q.drained
}
