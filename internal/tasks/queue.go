package tasks

import (
	"context"
	"sync"
)

// Queue accepts tasks for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
}

// Consumer delivers tasks. A message is redelivered until committed.
type Consumer interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
}

// MemoryQueue is an in-process Queue and Consumer used by tests and
// single-binary deployments.
type MemoryQueue struct {
	ch chan Message

	mu        sync.Mutex
	committed []string
}

var (
	_ Queue    = (*MemoryQueue)(nil)
	_ Consumer = (*MemoryQueue)(nil)
)

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Message, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Fetch(ctx context.Context) (Message, error) {
	select {
	case m := <-q.ch:
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (q *MemoryQueue) Commit(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.committed = append(q.committed, msg.ID)
	return nil
}

// Len is the number of undelivered messages.
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Committed returns the ids committed so far.
func (q *MemoryQueue) Committed() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.committed...)
}
