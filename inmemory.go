package jobengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryBackend implements Backend and TrashBackend using in-memory storage.
// It uses a single mutex for thread-safety and is suitable for testing.
type InMemoryBackend struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	trash  map[string]*TrashEntry
	now    func() time.Time
	closed bool
}

// NewInMemoryBackend creates a new in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		jobs:  make(map[string]*Job),
		trash: make(map[string]*TrashEntry),
		now:   time.Now,
	}
}

// Close closes the backend and prevents further operations.
func (b *InMemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}

// InsertJob stores a new job.
func (b *InMemoryBackend) InsertJob(ctx context.Context, job *Job) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateNewJob(job); err != nil {
		return err
	}
	prepared := prepareJobForInsert(job, b.now())

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}
	if _, exists := b.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}

	b.jobs[prepared.ID] = prepared
	return nil
}

// GetJob retrieves a job by ID.
func (b *InMemoryBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}
	job, ok := b.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return cloneJob(job), nil
}

// TransitionJob atomically applies a compare-and-set transition.
func (b *InMemoryBackend) TransitionJob(ctx context.Context, jobID string, expected []JobStatus, next JobStatus, upd Update) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}
	job, ok := b.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	// Work on a copy so a rejected transition leaves the stored job untouched.
	updated := cloneJob(job)
	if err := applyTransition(updated, expected, next, upd, b.now()); err != nil {
		return nil, err
	}
	b.jobs[jobID] = updated
	return cloneJob(updated), nil
}

// UpdateProgress writes progress for a running job.
func (b *InMemoryBackend) UpdateProgress(ctx context.Context, jobID string, token string, upd ProgressUpdate) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}
	job, ok := b.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	updated := cloneJob(job)
	if err := applyProgress(updated, token, upd, b.now()); err != nil {
		return err
	}
	b.jobs[jobID] = updated
	return nil
}

// ListJobsByStatus returns jobs in status last updated before updatedBefore,
// oldest first.
func (b *InMemoryBackend) ListJobsByStatus(ctx context.Context, status JobStatus, updatedBefore time.Time) ([]*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	result := make([]*Job, 0)
	for _, job := range b.jobs {
		if matchesStale(job, status, updatedBefore) {
			result = append(result, cloneJob(job))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	return result, nil
}

// PutTrash records a soft-deleted entity.
func (b *InMemoryBackend) PutTrash(ctx context.Context, entry *TrashEntry) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateTrashEntry(entry); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}
	b.trash[entry.ID] = cloneTrashEntry(entry)
	return nil
}

// GetTrash retrieves a trash entry by ID.
func (b *InMemoryBackend) GetTrash(ctx context.Context, entryID string) (*TrashEntry, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}
	entry, ok := b.trash[entryID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTrashNotFound, entryID)
	}
	return cloneTrashEntry(entry), nil
}

// ListTrash returns all trash entries, oldest deletion first.
func (b *InMemoryBackend) ListTrash(ctx context.Context) ([]*TrashEntry, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	entries := make([]*TrashEntry, 0, len(b.trash))
	for _, entry := range b.trash {
		entries = append(entries, cloneTrashEntry(entry))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DeletedAt.Before(entries[j].DeletedAt)
	})
	return entries, nil
}

// PurgeTrash removes entries deleted before cutoff.
func (b *InMemoryBackend) PurgeTrash(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return 0, err
	}

	purged := 0
	for id, entry := range b.trash {
		if !entry.DeletedAt.Before(cutoff) {
			continue
		}
		purged++
		if !dryRun {
			delete(b.trash, id)
		}
	}
	return purged, nil
}

func (b *InMemoryBackend) ensureOpenLocked() error {
	if b.closed {
		return fmt.Errorf("backend is %w", ErrBackendClosed)
	}
	return nil
}
