package jobengine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Progress is what a running handler uses to report how far it got.
type Progress interface {
	// Report records percent (0..100). Values below the highest reported so
	// far are ignored.
	Report(ctx context.Context, percent int) error

	// ReportItems records item counters of a bulk job and derives the
	// percentage as (processed+failed)*100/total.
	ReportItems(ctx context.Context, processed, failed, total int) error
}

// ProgressReporter persists progress for one attempt of a job. Writes are
// throttled: a value is stored when ProgressInterval passed since the last
// write or when it moved at least ProgressStep points, whichever comes first.
// 100 is always written at once. A conflict from the store means the attempt
// lost the job; it is returned so the handler can stop.
type ProgressReporter struct {
	store    *JobStore
	jobID    string
	token    string
	interval time.Duration
	step     int
	now      func() time.Time

	mu            sync.Mutex
	current       int
	processed     *int
	failed        *int
	dirty         bool
	lastPersisted int
	lastWrite     time.Time
}

// NewProgressReporter creates a reporter for the attempt of job running under
// its current dispatch token.
func NewProgressReporter(store *JobStore, job *Job, interval time.Duration, step int) *ProgressReporter {
	return newProgressReporter(store, job, interval, step, time.Now)
}

func newProgressReporter(store *JobStore, job *Job, interval time.Duration, step int, now func() time.Time) *ProgressReporter {
	if step <= 0 {
		step = 1
	}
	return &ProgressReporter{
		store:         store,
		jobID:         job.ID,
		token:         job.DispatchToken,
		interval:      interval,
		step:          step,
		now:           now,
		current:       job.Progress,
		lastPersisted: job.Progress,
		lastWrite:     now(),
	}
}

// Report records percent.
func (r *ProgressReporter) Report(ctx context.Context, percent int) error {
	if percent < 0 || percent > 100 {
		return &ValidationError{Field: "progress", Message: fmt.Sprintf("%d out of range 0..100", percent)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if percent <= r.current {
		return nil
	}
	r.current = percent
	r.dirty = true
	return r.maybePersistLocked(ctx)
}

// ReportItems records bulk item counters.
func (r *ProgressReporter) ReportItems(ctx context.Context, processed, failed, total int) error {
	if total <= 0 {
		return &ValidationError{Field: "total", Message: "must be positive"}
	}
	if processed < 0 || failed < 0 || processed+failed > total {
		return &ValidationError{Field: "items", Message: fmt.Sprintf("processed %d + failed %d outside 0..%d", processed, failed, total)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = intPtr(processed)
	r.failed = intPtr(failed)
	r.dirty = true
	r.current = max(r.current, (processed+failed)*100/total)
	return r.maybePersistLocked(ctx)
}

// Finish writes 100 synchronously. The executor calls it once the handler
// succeeded, before completing the job.
func (r *ProgressReporter) Finish(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == 100 && r.lastPersisted == 100 && !r.dirty {
		return nil
	}
	r.current = 100
	r.dirty = true
	return r.persistLocked(ctx)
}

// Flush writes a value held back by throttling. The executor calls it on
// every heartbeat, so a handler that stops reporting is still visible.
func (r *ProgressReporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil
	}
	return r.persistLocked(ctx)
}

// Current returns the highest value reported so far.
func (r *ProgressReporter) Current() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *ProgressReporter) maybePersistLocked(ctx context.Context) error {
	switch {
	case r.current == 100:
	case r.current-r.lastPersisted >= r.step:
	case r.now().Sub(r.lastWrite) >= r.interval:
	default:
		return nil
	}
	return r.persistLocked(ctx)
}

func (r *ProgressReporter) persistLocked(ctx context.Context) error {
	err := r.store.UpdateProgress(ctx, r.jobID, r.token, ProgressUpdate{
		Progress:       r.current,
		ProcessedItems: r.processed,
		FailedItems:    r.failed,
	})
	if err != nil {
		return fmt.Errorf("progress update for job %s: %w", r.jobID, err)
	}
	r.lastPersisted = r.current
	r.lastWrite = r.now()
	r.dirty = false
	return nil
}
