package timeline

import (
	"context"
	"sync"

	"civictrack/api/internal/store"
)

// MemoryQueue is the in-process fallback used when Redis is not configured.
// Parked entries are lost on restart.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []store.TimelineEntry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, entry store.TimelineEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (store.TimelineEntry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return store.TimelineEntry{}, false, nil
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, true, nil
}
