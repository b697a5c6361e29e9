// Package timeline appends immutable audit records for issue mutations.
//
// Appends are best effort at the call site: a mutation that already committed
// must not be rolled back because the audit insert failed, so failed entries
// are parked on a retry queue and re-inserted in the background. Entry IDs are
// assigned before the first attempt and the store insert is idempotent on
// them, so a retry can never duplicate a record.
package timeline

import (
	"context"
	"log"
	"time"

	"civictrack/api/internal/store"
	"civictrack/api/internal/util"
)

type TimelineStore interface {
	InsertTimelineEntry(ctx context.Context, entry store.TimelineEntry) error
	ListTimeline(ctx context.Context, issueID string) ([]store.TimelineEntry, error)
}

// RetryQueue holds entries whose first insert failed.
type RetryQueue interface {
	Enqueue(ctx context.Context, entry store.TimelineEntry) error
	Dequeue(ctx context.Context) (store.TimelineEntry, bool, error)
}

type Recorder struct {
	store         TimelineStore
	queue         RetryQueue
	logger        *log.Logger
	retryInterval time.Duration
}

func NewRecorder(timelineStore TimelineStore, queue RetryQueue, logger *log.Logger) *Recorder {
	return &Recorder{
		store:         timelineStore,
		queue:         queue,
		logger:        logger,
		retryInterval: 5 * time.Second,
	}
}

// Record appends one audit entry. Insert failures are logged and queued for
// retry; they are never returned to the caller.
func (r *Recorder) Record(ctx context.Context, entry store.TimelineEntry) {
	if entry.ID == "" {
		entry.ID = util.NewID("tl")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	err := r.store.InsertTimelineEntry(ctx, entry)
	if err == nil {
		return
	}
	r.logger.Printf("timeline append failed issue=%s entry=%s err=%v", entry.IssueID, entry.ID, err)

	if err := r.queue.Enqueue(ctx, entry); err != nil {
		r.logger.Printf("timeline retry enqueue failed issue=%s entry=%s err=%v", entry.IssueID, entry.ID, err)
	}
}

// List returns the audit history for an issue, newest first.
func (r *Recorder) List(ctx context.Context, issueID string) ([]store.TimelineEntry, error) {
	return r.store.ListTimeline(ctx, issueID)
}

// Run drains the retry queue until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		entry, ok, err := r.queue.Dequeue(ctx)
		if err != nil {
			r.logger.Printf("timeline retry dequeue failed: %v", err)
			return
		}
		if !ok {
			return
		}
		if err := r.store.InsertTimelineEntry(ctx, entry); err != nil {
			r.logger.Printf("timeline retry insert failed entry=%s err=%v", entry.ID, err)
			if err := r.queue.Enqueue(ctx, entry); err != nil {
				r.logger.Printf("timeline retry re-enqueue failed entry=%s err=%v", entry.ID, err)
			}
			return
		}
	}
}
