package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"civictrack/api/internal/store"
)

const retryQueueKey = "civictrack:timeline:retry"

// RedisQueue parks failed timeline entries on a Redis list so they survive a
// process restart.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, entry store.TimelineEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal timeline entry: %w", err)
	}
	if err := q.client.RPush(ctx, retryQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue timeline entry: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (store.TimelineEntry, bool, error) {
	payload, err := q.client.LPop(ctx, retryQueueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.TimelineEntry{}, false, nil
	}
	if err != nil {
		return store.TimelineEntry{}, false, fmt.Errorf("dequeue timeline entry: %w", err)
	}

	var entry store.TimelineEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return store.TimelineEntry{}, false, fmt.Errorf("unmarshal timeline entry: %w", err)
	}
	return entry, true, nil
}
