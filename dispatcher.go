package jobengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Dispatcher hands jobs to the broker. Every dispatch mints a fresh token and
// records it on the job before publishing, so a worker can tell the current
// message from stale or duplicate ones.
type Dispatcher struct {
	store   *JobStore
	broker  Broker
	metrics *Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(store *JobStore, broker Broker, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		broker:  broker,
		metrics: metrics,
		logger:  logger,
	}
}

func newDispatchToken() string {
	return uuid.NewString()
}

// Dispatch publishes one message for a PENDING or RETRYING job, to be
// delivered after delay, and returns the new dispatch token. Calling it twice
// publishes two messages; the older one loses its token and is discarded by
// the worker that receives it.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID, kind string, delay time.Duration) (string, error) {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return d.redispatch(ctx, job, delay)
}

// Redispatch re-tokens and publishes a PENDING or RETRYING job whose message
// may have been lost. It fails with a conflict when job is no longer the
// current record.
func (d *Dispatcher) Redispatch(ctx context.Context, job *Job) (string, error) {
	token, err := d.redispatch(ctx, job, 0)
	if err != nil {
		return "", err
	}
	d.metrics.IncJobsRedispatched()
	d.logger.Info("job redispatched",
		slog.String("job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.String("status", string(job.Status)),
	)
	return token, nil
}

func (d *Dispatcher) redispatch(ctx context.Context, job *Job, delay time.Duration) (string, error) {
	if job.Status != JobStatusPending && job.Status != JobStatusRetrying {
		return "", &ConflictError{
			JobID:    job.ID,
			Expected: []JobStatus{JobStatusPending, JobStatusRetrying},
			Actual:   job.Status,
		}
	}

	token := newDispatchToken()
	if _, err := d.store.Transition(ctx, job.ID, []JobStatus{job.Status}, job.Status, Update{
		ExpectedToken: job.DispatchToken,
		DispatchToken: &token,
	}); err != nil {
		return "", fmt.Errorf("failed to record dispatch token: %w", err)
	}
	if err := d.publish(ctx, job.ID, job.Kind, token, delay); err != nil {
		return "", err
	}
	return token, nil
}

// publish sends the message for a token already recorded on the job.
func (d *Dispatcher) publish(ctx context.Context, jobID, kind, token string, delay time.Duration) error {
	msg := Message{JobID: jobID, Kind: kind, DispatchToken: token}
	if err := d.broker.Publish(ctx, msg, delay); err != nil {
		d.logger.Error("failed to publish job",
			slog.String("job_id", jobID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to publish job %s: %w", jobID, err)
	}

	d.logger.Debug("job dispatched",
		slog.String("job_id", jobID),
		slog.String("kind", kind),
		slog.Duration("delay", delay),
	)
	return nil
}

// Requeue takes a PROCESSING job back from the attempt holding its current
// token and dispatches it again without delay. The retry budget is untouched:
// the attempt did not fail, its worker went away. The new token is recorded
// in the same transition, so no message for the old one can start the job.
func (d *Dispatcher) Requeue(ctx context.Context, job *Job, reason string) (string, error) {
	token := newDispatchToken()
	if _, err := d.store.Transition(ctx, job.ID, []JobStatus{JobStatusProcessing}, JobStatusRetrying, Update{
		ExpectedToken: job.DispatchToken,
		DispatchToken: &token,
	}); err != nil {
		return "", err
	}
	d.metrics.IncJobsRequeued()

	d.logger.Info("job requeued",
		slog.String("job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.String("reason", reason),
	)
	if err := d.publish(ctx, job.ID, job.Kind, token, 0); err != nil {
		return "", err
	}
	return token, nil
}
