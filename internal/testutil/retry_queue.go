package testutil

import (
	"context"
	"sync"
	"time"
)

// MemoryRetryQueue implements webhook.RetryQueue over a slice.
type MemoryRetryQueue struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
}

func NewMemoryRetryQueue() *MemoryRetryQueue {
	return &MemoryRetryQueue{notify: make(chan struct{}, 1)}
}

func (q *MemoryRetryQueue) Enqueue(ctx context.Context, eventID string) error {
	q.mu.Lock()
	q.items = append(q.items, eventID)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryRetryQueue) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if id, ok := q.pop(); ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", nil
		case <-q.notify:
		}
	}
}

// Items returns the queued ids, oldest first.
func (q *MemoryRetryQueue) Items() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.items...)
}

func (q *MemoryRetryQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, true
}
