package jobengine

import (
	"fmt"
	"slices"
	"time"
)

// isValidTransition reports whether the status graph allows current -> target.
// A self-transition of a non-terminal status only re-assigns the dispatch token.
func isValidTransition(current, target JobStatus) bool {
	if current.IsTerminal() {
		return false
	}
	if current == target {
		return true
	}

	switch current {
	case JobStatusPending:
		return target == JobStatusProcessing || target == JobStatusCancelled
	case JobStatusProcessing:
		return target == JobStatusCompleted ||
			target == JobStatusRetrying ||
			target == JobStatusFailed ||
			target == JobStatusCancelled
	case JobStatusRetrying:
		return target == JobStatusProcessing || target == JobStatusCancelled
	default:
		return false
	}
}

// applyTransition validates and applies a compare-and-set transition to job in
// place. Every backend calls it inside its atomic section, so the invariants
// of the job record live in exactly one place.
func applyTransition(job *Job, expected []JobStatus, next JobStatus, upd Update, now time.Time) error {
	if !slices.Contains(expected, job.Status) {
		return &ConflictError{JobID: job.ID, Expected: expected, Actual: job.Status}
	}
	if upd.ExpectedToken != "" && job.DispatchToken != upd.ExpectedToken {
		return &ConflictError{JobID: job.ID, Expected: expected, Actual: job.Status, Reason: "dispatch token superseded"}
	}
	if !isValidTransition(job.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, next)
	}

	if upd.IncrementRetry {
		if job.RetryCount >= job.MaxRetries {
			return fmt.Errorf("job %s: %w (%d/%d)", job.ID, ErrRetryBudgetExhausted, job.RetryCount, job.MaxRetries)
		}
	}

	progress := job.Progress
	if upd.Progress != nil {
		if *upd.Progress < 0 || *upd.Progress > 100 {
			return &ValidationError{Field: "progress", Message: fmt.Sprintf("%d out of range 0..100", *upd.Progress)}
		}
		progress = max(progress, *upd.Progress)
	}
	if next == JobStatusCompleted && progress != 100 {
		return &ValidationError{Field: "progress", Message: fmt.Sprintf("must be 100 before completion, got %d", progress)}
	}
	if upd.Result != nil && next != JobStatusCompleted {
		return &ValidationError{Field: "result", Message: "may only be set on completion"}
	}
	if (upd.ErrorMessage != nil || upd.ErrorStackTrace != nil) &&
		next != JobStatusFailed && next != JobStatusRetrying {
		return &ValidationError{Field: "error_message", Message: "may only be set on failure or retry"}
	}

	if upd.IncrementRetry {
		job.RetryCount++
	}
	job.Progress = progress
	if upd.DispatchToken != nil {
		job.DispatchToken = *upd.DispatchToken
	}
	if upd.Result != nil {
		job.Result = copyBytes(upd.Result)
	}
	if upd.ErrorMessage != nil {
		job.ErrorMessage = *upd.ErrorMessage
	}
	if upd.ErrorStackTrace != nil {
		job.ErrorStackTrace = *upd.ErrorStackTrace
	}

	if next == JobStatusProcessing && job.StartedAt == nil {
		startedAt := now
		job.StartedAt = &startedAt
	}
	if next.IsTerminal() {
		completedAt := now
		job.CompletedAt = &completedAt
	}
	job.Status = next
	job.UpdatedAt = now
	return nil
}

// applyProgress validates and applies a progress write. Writes are accepted
// only while the job is PROCESSING under token; lower values are ignored.
func applyProgress(job *Job, token string, upd ProgressUpdate, now time.Time) error {
	if job.Status != JobStatusProcessing {
		return &ConflictError{JobID: job.ID, Expected: []JobStatus{JobStatusProcessing}, Actual: job.Status}
	}
	if token == "" || job.DispatchToken != token {
		return &ConflictError{JobID: job.ID, Expected: []JobStatus{JobStatusProcessing}, Actual: job.Status, Reason: "dispatch token superseded"}
	}
	if upd.Progress < 0 || upd.Progress > 100 {
		return &ValidationError{Field: "progress", Message: fmt.Sprintf("%d out of range 0..100", upd.Progress)}
	}

	job.Progress = max(job.Progress, upd.Progress)
	if upd.ProcessedItems != nil {
		job.ProcessedItems = *upd.ProcessedItems
	}
	if upd.FailedItems != nil {
		job.FailedItems = *upd.FailedItems
	}
	job.UpdatedAt = now
	return nil
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.Options = copyBytes(job.Options)
	clone.Result = copyBytes(job.Result)
	clone.StartedAt = copyTimePtr(job.StartedAt)
	clone.CompletedAt = copyTimePtr(job.CompletedAt)
	return &clone
}

func cloneTrashEntry(entry *TrashEntry) *TrashEntry {
	if entry == nil {
		return nil
	}
	clone := *entry
	clone.Payload = copyBytes(entry.Payload)
	return &clone
}

func copyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	val := *t
	return &val
}

// validateNewJob checks a job handed to Backend.InsertJob.
func validateNewJob(job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}
	if job.Kind == "" {
		return &ValidationError{Field: "kind", Message: "is required"}
	}
	if job.Status != JobStatusPending {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("must be %s, got %s", JobStatusPending, job.Status)}
	}
	if job.MaxRetries < 0 {
		return &ValidationError{Field: "max_retries", Message: "must not be negative"}
	}
	return nil
}

// prepareJobForInsert mirrors the zero state every new job starts from.
func prepareJobForInsert(job *Job, now time.Time) *Job {
	prepared := cloneJob(job)
	if prepared.CreatedAt.IsZero() {
		prepared.CreatedAt = now
	}
	prepared.UpdatedAt = prepared.CreatedAt
	prepared.Status = JobStatusPending
	prepared.Progress = 0
	prepared.ProcessedItems = 0
	prepared.FailedItems = 0
	prepared.RetryCount = 0
	prepared.Result = nil
	prepared.ErrorMessage = ""
	prepared.ErrorStackTrace = ""
	prepared.StartedAt = nil
	prepared.CompletedAt = nil
	return prepared
}
