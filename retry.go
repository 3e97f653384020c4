package jobengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ActionKind is the outcome of a failed attempt.
type ActionKind int

const (
	// ActionRetry means the job was re-dispatched after Action.Delay.
	ActionRetry ActionKind = iota
	// ActionFail means the job is now FAILED.
	ActionFail
)

func (k ActionKind) String() string {
	if k == ActionFail {
		return "fail"
	}
	return "retry"
}

// Action describes what HandleFailure did.
type Action struct {
	Kind   ActionKind
	Delay  time.Duration
	Reason string
}

// RetryController decides between retrying and failing a job after a handler
// error and performs the matching transition.
type RetryController struct {
	store      *JobStore
	dispatcher *Dispatcher
	backoff    Backoff
	metrics    *Metrics
	logger     *slog.Logger
}

// NewRetryController creates a retry controller. metrics may be nil.
func NewRetryController(store *JobStore, dispatcher *Dispatcher, backoff Backoff, metrics *Metrics, logger *slog.Logger) *RetryController {
	return &RetryController{
		store:      store,
		dispatcher: dispatcher,
		backoff:    backoff,
		metrics:    metrics,
		logger:     logger,
	}
}

// HandleFailure records err on job, which must be the PROCESSING record of the
// failed attempt. Permanent errors and exhausted budgets fail the job;
// anything else moves it to RETRYING with retry_count+1 and a new dispatch
// token, and publishes it after Backoff.Delay(retry_count).
func (c *RetryController) HandleFailure(ctx context.Context, job *Job, err error) (Action, error) {
	if err == nil {
		return Action{}, fmt.Errorf("HandleFailure called with nil error")
	}

	message := err.Error()
	stack := errorStackTrace(err)

	class := Classify(err)
	if class == ErrorClassPermanent {
		return c.fail(ctx, job, message, stack, "permanent error")
	}
	if job.RetryCount >= job.MaxRetries {
		return c.fail(ctx, job, message, stack, "retry budget exhausted")
	}

	// The exponent is the retry count before this retry is consumed.
	delay := c.backoff.Delay(job.RetryCount)
	token := newDispatchToken()
	updated, terr := c.store.Transition(ctx, job.ID, []JobStatus{JobStatusProcessing}, JobStatusRetrying, Update{
		ExpectedToken:   job.DispatchToken,
		DispatchToken:   &token,
		IncrementRetry:  true,
		ErrorMessage:    &message,
		ErrorStackTrace: &stack,
	})
	if errors.Is(terr, ErrRetryBudgetExhausted) {
		return c.fail(ctx, job, message, stack, "retry budget exhausted")
	}
	if terr != nil {
		return Action{}, terr
	}
	c.metrics.IncJobsRetries()

	c.logger.Info("job scheduled for retry",
		slog.String("job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.Int("attempt", updated.RetryCount),
		slog.Int("max_retries", updated.MaxRetries),
		slog.Duration("delay", delay),
		slog.String("error", message),
	)

	// A failed publish leaves the job RETRYING under token; the recovery
	// sweep re-dispatches it once the backoff and liveness window have passed.
	if perr := c.dispatcher.publish(ctx, job.ID, job.Kind, token, delay); perr != nil {
		return Action{}, fmt.Errorf("failed to dispatch retry: %w", perr)
	}
	return Action{Kind: ActionRetry, Delay: delay, Reason: class.String() + " error"}, nil
}

func (c *RetryController) fail(ctx context.Context, job *Job, message, stack, reason string) (Action, error) {
	if _, err := c.store.Transition(ctx, job.ID, []JobStatus{JobStatusProcessing}, JobStatusFailed, Update{
		ExpectedToken:   job.DispatchToken,
		ErrorMessage:    &message,
		ErrorStackTrace: &stack,
	}); err != nil {
		return Action{}, err
	}
	c.metrics.IncJobsFailed()

	c.logger.Warn("job failed",
		slog.String("job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.Int("retry_count", job.RetryCount),
		slog.String("reason", reason),
		slog.String("error", message),
	)
	return Action{Kind: ActionFail, Reason: reason}, nil
}
