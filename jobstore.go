package jobengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// JobStore is the validated entry point to job records. It wraps a Backend and
// owns id generation, creation rules and the named transitions the engine uses.
type JobStore struct {
	backend  Backend
	registry *Registry
	logger   *slog.Logger
}

// NewJobStore creates a job store. registry may be nil, in which case Create
// accepts any non-empty kind.
func NewJobStore(backend Backend, registry *Registry, logger *slog.Logger) *JobStore {
	return &JobStore{
		backend:  backend,
		registry: registry,
		logger:   logger,
	}
}

// Backend returns the underlying storage backend.
func (s *JobStore) Backend() Backend {
	return s.backend
}

// Create persists a new PENDING job and returns it.
func (s *JobStore) Create(ctx context.Context, kind string, options []byte, maxRetries int, ownerID string) (*Job, error) {
	if kind == "" {
		return nil, &ValidationError{Field: "kind", Message: "is required"}
	}
	if s.registry != nil && !s.registry.Has(kind) {
		return nil, &ValidationError{Field: "kind", Message: fmt.Sprintf("%q is not registered", kind)}
	}
	if maxRetries < 0 {
		return nil, &ValidationError{Field: "max_retries", Message: "must not be negative"}
	}

	job := &Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		Status:     JobStatusPending,
		MaxRetries: maxRetries,
		Options:    copyBytes(options),
		OwnerID:    ownerID,
	}
	if err := s.backend.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	created, err := s.backend.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("job created", slog.String("job_id", created.ID), slog.String("kind", kind))
	return created, nil
}

// Get returns the current job record.
func (s *JobStore) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.backend.GetJob(ctx, jobID)
}

// Transition is the compare-and-set primitive. See Backend.TransitionJob.
func (s *JobStore) Transition(ctx context.Context, jobID string, expected []JobStatus, next JobStatus, upd Update) (*Job, error) {
	return s.backend.TransitionJob(ctx, jobID, expected, next, upd)
}

// UpdateProgress persists progress for a job running under token.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID, token string, upd ProgressUpdate) error {
	return s.backend.UpdateProgress(ctx, jobID, token, upd)
}

// SetResult completes a job running under token.
func (s *JobStore) SetResult(ctx context.Context, jobID, token string, result []byte) (*Job, error) {
	if result == nil {
		result = []byte{}
	}
	return s.backend.TransitionJob(ctx, jobID,
		[]JobStatus{JobStatusProcessing}, JobStatusCompleted,
		Update{
			ExpectedToken: token,
			Progress:      intPtr(100),
			Result:        result,
		})
}

// Cancel moves a non-terminal job to CANCELLED. Cancelling a job that is
// already cancelled is a no-op.
func (s *JobStore) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.backend.TransitionJob(ctx, jobID, nonTerminalStatuses, JobStatusCancelled, Update{})
	if err == nil {
		s.logger.Info("job cancelled", slog.String("job_id", jobID))
		return job, nil
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) && conflict.Actual == JobStatusCancelled {
		return s.backend.GetJob(ctx, jobID)
	}
	return nil, err
}

// ListStale returns PROCESSING jobs whose last write is older than cutoff.
func (s *JobStore) ListStale(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	return s.backend.ListJobsByStatus(ctx, JobStatusProcessing, cutoff)
}

// ListUndelivered returns PENDING and RETRYING jobs whose last write, usually
// their last dispatch, is older than cutoff.
func (s *JobStore) ListUndelivered(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	pending, err := s.backend.ListJobsByStatus(ctx, JobStatusPending, cutoff)
	if err != nil {
		return nil, err
	}
	retrying, err := s.backend.ListJobsByStatus(ctx, JobStatusRetrying, cutoff)
	if err != nil {
		return nil, err
	}
	return append(pending, retrying...), nil
}
