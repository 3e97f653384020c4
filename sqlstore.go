package jobengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// sqlDialect captures the differences between the SQL engines SQLBackend runs on.
type sqlDialect struct {
	name              string
	blobType          string
	numberedParams    bool
	isUniqueViolation func(err error) bool
}

// SQLBackend implements Backend and TrashBackend on top of database/sql.
// Transitions are optimistic: the row is read, validated in Go and written back
// with an UPDATE guarded by the values that were read. A guard miss means a
// concurrent writer won, so the row is re-read and re-validated.
type SQLBackend struct {
	db          *sql.DB
	dialect     sqlDialect
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
}

func newSQLBackend(db *sql.DB, dialect sqlDialect, logger *slog.Logger) (*SQLBackend, error) {
	b := &SQLBackend{
		db:          db,
		dialect:     dialect,
		logger:      logger,
		now:         time.Now,
		maxAttempts: 50,
	}
	if err := b.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return b, nil
}

// Close closes the database connection
func (b *SQLBackend) Close() error {
	return b.db.Close()
}

// initSchema initializes the database schema
func (b *SQLBackend) initSchema() error {
	statements := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			dispatch_token TEXT NOT NULL DEFAULT '',
			progress INTEGER NOT NULL DEFAULT 0,
			processed_items INTEGER NOT NULL DEFAULT 0,
			failed_items INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			options %[1]s,
			result %[1]s,
			error_message TEXT NOT NULL DEFAULT '',
			error_stack_trace TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT,
			updated_at BIGINT NOT NULL
		)`, b.dialect.blobType),
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_updated_at ON jobs(status, updated_at)`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS trash (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			payload %s,
			deleted_at BIGINT NOT NULL,
			deleted_by TEXT NOT NULL DEFAULT ''
		)`, b.dialect.blobType),
		`CREATE INDEX IF NOT EXISTS idx_trash_deleted_at ON trash(deleted_at)`,
	}
	for _, stmt := range statements {
		if _, err := b.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for dialects that need numbered parameters.
func (b *SQLBackend) rebind(query string) string {
	if !b.dialect.numberedParams {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const jobColumns = `id, kind, status, dispatch_token, progress, processed_items, failed_items,
	retry_count, max_retries, options, result, error_message, error_stack_trace, owner_id,
	created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var status string
	var createdAt, updatedAt int64
	var startedAt, completedAt sql.NullInt64

	if err := row.Scan(
		&job.ID, &job.Kind, &status, &job.DispatchToken, &job.Progress,
		&job.ProcessedItems, &job.FailedItems, &job.RetryCount, &job.MaxRetries,
		&job.Options, &job.Result, &job.ErrorMessage, &job.ErrorStackTrace, &job.OwnerID,
		&createdAt, &startedAt, &completedAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	job.CreatedAt = time.Unix(0, createdAt)
	job.UpdatedAt = time.Unix(0, updatedAt)
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		job.CompletedAt = &t
	}
	return job, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// InsertJob stores a new job
func (b *SQLBackend) InsertJob(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateNewJob(job); err != nil {
		return err
	}
	j := prepareJobForInsert(job, b.now())

	_, err = b.db.ExecContext(ctx, b.rebind(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		j.ID, j.Kind, string(j.Status), j.DispatchToken, j.Progress, j.ProcessedItems, j.FailedItems,
		j.RetryCount, j.MaxRetries, j.Options, j.Result, j.ErrorMessage, j.ErrorStackTrace, j.OwnerID,
		j.CreatedAt.UnixNano(), nullTime(j.StartedAt), nullTime(j.CompletedAt), j.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if b.dialect.isUniqueViolation != nil && b.dialect.isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrJobExists, j.ID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}

	b.logger.Debug("InsertJob", "dialect", b.dialect.name, "jobID", j.ID, "kind", j.Kind)
	return nil
}

// GetJob retrieves a job by ID
func (b *SQLBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	row := b.db.QueryRowContext(ctx, b.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// writeGuarded persists job over the row previously read as prev. It reports
// false when the row changed in between.
func (b *SQLBackend) writeGuarded(ctx context.Context, prev, job *Job) (bool, error) {
	res, err := b.db.ExecContext(ctx, b.rebind(`
		UPDATE jobs
		SET status = ?, dispatch_token = ?, progress = ?, processed_items = ?, failed_items = ?,
		    retry_count = ?, result = ?, error_message = ?, error_stack_trace = ?,
		    started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND dispatch_token = ? AND retry_count = ? AND updated_at = ?
	`),
		string(job.Status), job.DispatchToken, job.Progress, job.ProcessedItems, job.FailedItems,
		job.RetryCount, job.Result, job.ErrorMessage, job.ErrorStackTrace,
		nullTime(job.StartedAt), nullTime(job.CompletedAt), job.UpdatedAt.UnixNano(),
		prev.ID, string(prev.Status), prev.DispatchToken, prev.RetryCount, prev.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// mutate runs read, validate, guarded write until the write lands or the
// validation rejects the current row.
func (b *SQLBackend) mutate(ctx context.Context, jobID string, apply func(job *Job) error) (*Job, error) {
	const retryDelay = 1 * time.Millisecond

	for attempt := 0; attempt < b.maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prev, err := b.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		job := cloneJob(prev)
		if err := apply(job); err != nil {
			return nil, err
		}
		// updated_at is the row version; keep it strictly increasing.
		if !job.UpdatedAt.After(prev.UpdatedAt) {
			job.UpdatedAt = prev.UpdatedAt.Add(time.Nanosecond)
		}

		ok, err := b.writeGuarded(ctx, prev, job)
		if err != nil {
			return nil, err
		}
		if ok {
			return job, nil
		}
	}
	return nil, fmt.Errorf("job %s: %w after %d attempts", jobID, ErrContention, b.maxAttempts)
}

// TransitionJob atomically applies a compare-and-set transition.
func (b *SQLBackend) TransitionJob(ctx context.Context, jobID string, expected []JobStatus, next JobStatus, upd Update) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	job, err := b.mutate(ctx, jobID, func(job *Job) error {
		return applyTransition(job, expected, next, upd, b.now())
	})
	if err != nil {
		b.logger.Debug("TransitionJob: rejected", "jobID", jobID, "next", next, "error", err)
		return nil, err
	}
	return job, nil
}

// UpdateProgress writes progress for a running job
func (b *SQLBackend) UpdateProgress(ctx context.Context, jobID string, token string, upd ProgressUpdate) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	_, err = b.mutate(ctx, jobID, func(job *Job) error {
		return applyProgress(job, token, upd, b.now())
	})
	return err
}

// ListJobsByStatus returns jobs in status last updated before updatedBefore, oldest first.
func (b *SQLBackend) ListJobsByStatus(ctx context.Context, status JobStatus, updatedBefore time.Time) ([]*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ?`
	args := []any{string(status)}
	if !updatedBefore.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, updatedBefore.UnixNano())
	}
	query += ` ORDER BY updated_at ASC`

	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// PutTrash records a soft-deleted entity
func (b *SQLBackend) PutTrash(ctx context.Context, entry *TrashEntry) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateTrashEntry(entry); err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, b.rebind(`
		INSERT INTO trash (id, entity_type, entity_id, payload, deleted_at, deleted_by)
		VALUES (?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.EntityType, entry.EntityID, entry.Payload, entry.DeletedAt.UnixNano(), entry.DeletedBy)
	if err != nil {
		return fmt.Errorf("failed to insert trash entry: %w", err)
	}
	return nil
}

const trashColumns = `id, entity_type, entity_id, payload, deleted_at, deleted_by`

func scanTrash(row rowScanner) (*TrashEntry, error) {
	entry := &TrashEntry{}
	var deletedAt int64
	if err := row.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Payload, &deletedAt, &entry.DeletedBy); err != nil {
		return nil, err
	}
	entry.DeletedAt = time.Unix(0, deletedAt)
	return entry, nil
}

// GetTrash retrieves a trash entry by ID
func (b *SQLBackend) GetTrash(ctx context.Context, entryID string) (*TrashEntry, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	row := b.db.QueryRowContext(ctx, b.rebind(`SELECT `+trashColumns+` FROM trash WHERE id = ?`), entryID)
	entry, err := scanTrash(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTrashNotFound, entryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trash entry: %w", err)
	}
	return entry, nil
}

// ListTrash returns all trash entries, oldest deletion first
func (b *SQLBackend) ListTrash(ctx context.Context) ([]*TrashEntry, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, `SELECT `+trashColumns+` FROM trash ORDER BY deleted_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list trash: %w", err)
	}
	defer rows.Close()

	entries := make([]*TrashEntry, 0)
	for rows.Next() {
		entry, err := scanTrash(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trash entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// PurgeTrash deletes trash entries soft-deleted before cutoff
func (b *SQLBackend) PurgeTrash(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	if dryRun {
		var count int
		err := b.db.QueryRowContext(ctx, b.rebind(`SELECT COUNT(*) FROM trash WHERE deleted_at < ?`), cutoff.UnixNano()).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("failed to count trash: %w", err)
		}
		return count, nil
	}

	res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM trash WHERE deleted_at < ?`), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge trash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}
