package jobengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend implements Backend and TrashBackend using BadgerDB.
// It provides durable key-value storage with serializable transactions and
// needs no CGO, which makes it the default store for workers.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewBadgerBackend creates a new BadgerDB backend.
// The database directory will be created if it doesn't exist.
// dbPath is the path to the BadgerDB database directory.
// logger is the logger instance for logging backend operations.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerBackend(dbPath string, logger *slog.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable BadgerDB's internal logging (uses different logger interface)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerBackend{
		db:     db,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the database connection
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// A conflict here is an optimistic-concurrency clash between two writers of
// the same key; the loser re-reads and re-validates, so the compare-and-set
// outcome stays correct.
func (b *BadgerBackend) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("%w: transaction conflict after %d retries: %w", ErrContention, maxRetries, lastErr)
}

// key prefixes
const (
	keyPrefixJob    = "job:"
	keyPrefixStatus = "idx:status:"
	keyPrefixTrash  = "trash:"
)

// jobKey returns the key for a job
func jobKey(jobID string) []byte {
	return []byte(keyPrefixJob + jobID)
}

// statusIndexKey returns the key for the status index entry of a job
func statusIndexKey(status JobStatus, jobID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", keyPrefixStatus, status, jobID))
}

func statusIndexPrefix(status JobStatus) []byte {
	return []byte(fmt.Sprintf("%s%s:", keyPrefixStatus, status))
}

// trashKey returns the key for a trash entry
func trashKey(entryID string) []byte {
	return []byte(keyPrefixTrash + entryID)
}

func readJob(txn *badger.Txn, jobID string) (*Job, error) {
	item, err := txn.Get(jobKey(jobID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	jobData, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to copy job data: %w", err)
	}

	var job Job
	if err := json.Unmarshal(jobData, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func writeJob(txn *badger.Txn, job *Job) error {
	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := txn.Set(jobKey(job.ID), jobData); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// InsertJob stores a new job
func (b *BadgerBackend) InsertJob(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateNewJob(job); err != nil {
		return err
	}
	prepared := prepareJobForInsert(job, b.now())

	b.logger.Debug("InsertJob", "jobID", prepared.ID, "kind", prepared.Kind)

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := txn.Get(jobKey(prepared.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrJobExists, prepared.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check existing job: %w", err)
		}

		if err := writeJob(txn, prepared); err != nil {
			return err
		}
		return txn.Set(statusIndexKey(prepared.Status, prepared.ID), []byte(prepared.ID))
	})
}

// GetJob retrieves a job by ID
func (b *BadgerBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var job *Job
	err = b.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		j, err := readJob(txn, jobID)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// TransitionJob atomically applies a compare-and-set transition and keeps the
// status index in step with the job record.
func (b *BadgerBackend) TransitionJob(ctx context.Context, jobID string, expected []JobStatus, next JobStatus, upd Update) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var updated *Job
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := readJob(txn, jobID)
		if err != nil {
			return err
		}

		oldStatus := job.Status
		if err := applyTransition(job, expected, next, upd, b.now()); err != nil {
			return err
		}

		if oldStatus != job.Status {
			if err := txn.Delete(statusIndexKey(oldStatus, jobID)); err != nil {
				return fmt.Errorf("failed to remove status index: %w", err)
			}
			if err := txn.Set(statusIndexKey(job.Status, jobID), []byte(jobID)); err != nil {
				return fmt.Errorf("failed to add status index: %w", err)
			}
		}
		if err := writeJob(txn, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		b.logger.Debug("TransitionJob: rejected", "jobID", jobID, "expected", expected, "next", next, "error", err)
		return nil, err
	}

	b.logger.Debug("TransitionJob", "jobID", jobID, "status", updated.Status, "retryCount", updated.RetryCount)
	return updated, nil
}

// UpdateProgress writes progress for a running job
func (b *BadgerBackend) UpdateProgress(ctx context.Context, jobID string, token string, upd ProgressUpdate) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := readJob(txn, jobID)
		if err != nil {
			return err
		}
		if err := applyProgress(job, token, upd, b.now()); err != nil {
			return err
		}
		return writeJob(txn, job)
	})
}

// ListJobsByStatus walks the status index and returns jobs last updated
// before updatedBefore, oldest first.
func (b *BadgerBackend) ListJobsByStatus(ctx context.Context, status JobStatus, updatedBefore time.Time) ([]*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0)
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = statusIndexPrefix(status)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			jobIDBytes, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}

			job, err := readJob(txn, string(jobIDBytes))
			if err != nil {
				b.logger.Warn("ListJobsByStatus: dangling index entry", "jobID", string(jobIDBytes), "error", err)
				continue
			}
			if matchesStale(job, status, updatedBefore) {
				jobs = append(jobs, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt)
	})
	return jobs, nil
}

// PutTrash records a soft-deleted entity
func (b *BadgerBackend) PutTrash(ctx context.Context, entry *TrashEntry) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateTrashEntry(entry); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trash entry: %w", err)
	}
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Set(trashKey(entry.ID), data)
	})
}

// GetTrash retrieves a trash entry by ID
func (b *BadgerBackend) GetTrash(ctx context.Context, entryID string) (*TrashEntry, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var entry TrashEntry
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(trashKey(entryID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrTrashNotFound, entryID)
		}
		if err != nil {
			return fmt.Errorf("failed to get trash entry: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListTrash returns all trash entries, oldest deletion first
func (b *BadgerBackend) ListTrash(ctx context.Context) ([]*TrashEntry, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	entries := make([]*TrashEntry, 0)
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixTrash)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var entry TrashEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DeletedAt.Before(entries[j].DeletedAt)
	})
	return entries, nil
}

// PurgeTrash deletes trash entries soft-deleted before cutoff
func (b *BadgerBackend) PurgeTrash(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	purged := 0
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		purged = 0

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixTrash)

		it := txn.NewIterator(opts)
		defer it.Close()

		var expired [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var entry TrashEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				continue
			}
			if entry.DeletedAt.Before(cutoff) {
				expired = append(expired, item.KeyCopy(nil))
			}
		}

		purged = len(expired)
		if dryRun {
			return nil
		}
		for _, key := range expired {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("failed to delete trash entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}
