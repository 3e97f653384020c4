package jobengine

import (
	"context"
	"time"
)

// Backend represents the interface for job storage backends.
// Implementations must be thread-safe and support concurrent operations.
// Every status change goes through TransitionJob, the compare-and-set
// primitive the rest of the engine relies on instead of locks.
type Backend interface {
	// InsertJob stores a new job in PENDING.
	InsertJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID. Returns ErrJobNotFound if it does not exist.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// TransitionJob atomically moves the job to next and applies upd, but only
	// if its current status is one of expected (and, when upd.ExpectedToken is
	// set, its dispatch token matches). Otherwise it returns a *ConflictError.
	TransitionJob(ctx context.Context, jobID string, expected []JobStatus, next JobStatus, upd Update) (*Job, error)

	// UpdateProgress writes progress for a job in PROCESSING under token.
	UpdateProgress(ctx context.Context, jobID string, token string, upd ProgressUpdate) error

	// ListJobsByStatus returns jobs in status whose UpdatedAt is before
	// updatedBefore. A zero updatedBefore matches every job in status.
	ListJobsByStatus(ctx context.Context, status JobStatus, updatedBefore time.Time) ([]*Job, error)

	// Close closes the backend connection
	Close() error
}

// TrashBackend stores soft-deleted entities until their retention expires.
type TrashBackend interface {
	// PutTrash records a soft-deleted entity.
	PutTrash(ctx context.Context, entry *TrashEntry) error

	// GetTrash retrieves an entry by ID. Returns ErrTrashNotFound if absent.
	GetTrash(ctx context.Context, entryID string) (*TrashEntry, error)

	// ListTrash returns all entries ordered by DeletedAt.
	ListTrash(ctx context.Context) ([]*TrashEntry, error)

	// PurgeTrash permanently removes entries deleted before cutoff and returns
	// how many were (or, with dryRun, would be) removed.
	PurgeTrash(ctx context.Context, cutoff time.Time, dryRun bool) (int, error)
}

func matchesStale(job *Job, status JobStatus, updatedBefore time.Time) bool {
	if job.Status != status {
		return false
	}
	return updatedBefore.IsZero() || job.UpdatedAt.Before(updatedBefore)
}

func validateTrashEntry(entry *TrashEntry) error {
	if entry == nil {
		return &ValidationError{Message: "trash entry is nil"}
	}
	if entry.ID == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}
	if entry.DeletedAt.IsZero() {
		return &ValidationError{Field: "deleted_at", Message: "is required"}
	}
	return nil
}

func normalizeContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ctx, nil
}
