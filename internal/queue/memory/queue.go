// Package memory provides the in-process page task queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

// ErrQueueClosed is returned once the queue is closed and drained.
var ErrQueueClosed = crawler.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan crawler.PageTask
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan crawler.PageTask, capacity),
	}
}

// Enqueue pushes a task or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task crawler.PageTask) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task. Buffered tasks are still delivered after Close.
func (q *Queue) Dequeue(ctx context.Context) (crawler.PageTask, error) {
	select {
	case <-ctx.Done():
		return crawler.PageTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return crawler.PageTask{}, ErrQueueClosed
		}
		return task, nil
	}
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int { return len(q.ch) }

// Close stops accepting tasks. Safe to call more than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
