package timeline

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"civictrack/api/internal/store"
)

type fakeTimelineStore struct {
	insertFn func(ctx context.Context, entry store.TimelineEntry) error
	entries  []store.TimelineEntry
}

func (f *fakeTimelineStore) InsertTimelineEntry(ctx context.Context, entry store.TimelineEntry) error {
	if f.insertFn != nil {
		if err := f.insertFn(ctx, entry); err != nil {
			return err
		}
	}
	for _, existing := range f.entries {
		if existing.ID == entry.ID {
			return nil
		}
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeTimelineStore) ListTimeline(ctx context.Context, issueID string) ([]store.TimelineEntry, error) {
	return f.entries, nil
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client)
}

func TestRecordAssignsIDAndTimestamp(t *testing.T) {
	ts := &fakeTimelineStore{}
	rec := NewRecorder(ts, NewMemoryQueue(), testLogger())

	rec.Record(context.Background(), store.TimelineEntry{
		IssueID:     "iss_1",
		Status:      "pending",
		Message:     "Issue reported",
		UpdatedBy:   "Citizen",
		UpdatedByID: "usr_1",
	})

	if len(ts.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(ts.entries))
	}
	entry := ts.entries[0]
	if entry.ID == "" {
		t.Fatal("expected entry id to be assigned")
	}
	if entry.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be assigned")
	}
}

func TestRecordParksFailedEntryForRetry(t *testing.T) {
	failures := 1
	ts := &fakeTimelineStore{
		insertFn: func(ctx context.Context, entry store.TimelineEntry) error {
			if failures > 0 {
				failures--
				return errors.New("db down")
			}
			return nil
		},
	}
	queue := newTestRedisQueue(t)
	rec := NewRecorder(ts, queue, testLogger())

	rec.Record(context.Background(), store.TimelineEntry{IssueID: "iss_1", Status: "assigned"})
	if len(ts.entries) != 0 {
		t.Fatal("expected insert to have failed")
	}

	rec.drain(context.Background())
	if len(ts.entries) != 1 {
		t.Fatalf("expected retried entry, got %d entries", len(ts.entries))
	}
	if ts.entries[0].IssueID != "iss_1" {
		t.Fatalf("unexpected entry: %+v", ts.entries[0])
	}

	if _, ok, err := queue.Dequeue(context.Background()); err != nil || ok {
		t.Fatalf("expected empty queue after drain, ok=%v err=%v", ok, err)
	}
}

func TestDrainRequeuesOnPersistentFailure(t *testing.T) {
	ts := &fakeTimelineStore{
		insertFn: func(ctx context.Context, entry store.TimelineEntry) error {
			return errors.New("db still down")
		},
	}
	queue := newTestRedisQueue(t)
	rec := NewRecorder(ts, queue, testLogger())

	rec.Record(context.Background(), store.TimelineEntry{IssueID: "iss_1", Status: "assigned"})
	rec.drain(context.Background())

	entry, ok, err := queue.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if !ok {
		t.Fatal("expected entry back on the queue after failed retry")
	}
	if entry.IssueID != "iss_1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestRetryKeepsOriginalEntryID(t *testing.T) {
	failures := 1
	ts := &fakeTimelineStore{
		insertFn: func(ctx context.Context, entry store.TimelineEntry) error {
			if failures > 0 {
				failures--
				return errors.New("db down")
			}
			return nil
		},
	}
	queue := newTestRedisQueue(t)
	rec := NewRecorder(ts, queue, testLogger())

	rec.Record(context.Background(), store.TimelineEntry{
		ID:        "tl_fixed",
		IssueID:   "iss_1",
		Status:    "resolved",
		Timestamp: time.Now().UTC(),
	})
	rec.drain(context.Background())

	if len(ts.entries) != 1 || ts.entries[0].ID != "tl_fixed" {
		t.Fatalf("expected entry tl_fixed exactly once, got %+v", ts.entries)
	}
}

func TestMemoryQueueFIFO(t *testing.T) {
	queue := NewMemoryQueue()
	ctx := context.Background()

	_ = queue.Enqueue(ctx, store.TimelineEntry{ID: "tl_1"})
	_ = queue.Enqueue(ctx, store.TimelineEntry{ID: "tl_2"})

	first, ok, _ := queue.Dequeue(ctx)
	if !ok || first.ID != "tl_1" {
		t.Fatalf("expected tl_1 first, got %+v ok=%v", first, ok)
	}
	second, ok, _ := queue.Dequeue(ctx)
	if !ok || second.ID != "tl_2" {
		t.Fatalf("expected tl_2 second, got %+v ok=%v", second, ok)
	}
	if _, ok, _ := queue.Dequeue(ctx); ok {
		t.Fatal("expected empty queue")
	}
}
