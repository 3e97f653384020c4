package jobengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// errAttemptLost is the cancellation cause when the job stopped being ours:
// it was cancelled or taken over by a newer dispatch.
var errAttemptLost = errors.New("jobengine: job no longer held by this attempt")

// finalizeTimeout bounds the store writes done after a handler returns.
const finalizeTimeout = 30 * time.Second

// Executor runs one delivered message through its handler and records the
// outcome on the job.
type Executor struct {
	store      *JobStore
	registry   *Registry
	dispatcher *Dispatcher
	retry      *RetryController
	metrics    *Metrics
	logger     *slog.Logger

	taskTimeLimit     time.Duration
	heartbeatInterval time.Duration
	progressInterval  time.Duration
	progressStep      int
}

// NewExecutor creates an Executor. Only the TaskTimeLimit, HeartbeatInterval,
// ProgressInterval and ProgressStep fields of cfg are used.
func NewExecutor(
	store *JobStore,
	registry *Registry,
	dispatcher *Dispatcher,
	retry *RetryController,
	cfg *Config,
	metrics *Metrics,
	logger *slog.Logger,
) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		store:             store,
		registry:          registry,
		dispatcher:        dispatcher,
		retry:             retry,
		metrics:           metrics,
		logger:            logger,
		taskTimeLimit:     cfg.TaskTimeLimit,
		heartbeatInterval: cfg.HeartbeatInterval,
		progressInterval:  cfg.ProgressInterval,
		progressStep:      cfg.ProgressStep,
	}
}

type handlerOutcome struct {
	result []byte
	err    error
}

// Execute processes d. It acks duplicates and stale messages without running
// anything. ctx is the worker's lifetime: when it ends mid-attempt the job is
// requeued for another worker.
func (e *Executor) Execute(ctx context.Context, d Delivery) error {
	msg := d.Message()
	log := e.logger.With(slog.String("job_id", msg.JobID), slog.String("kind", msg.Kind))

	job, err := e.store.Transition(ctx, msg.JobID,
		[]JobStatus{JobStatusPending, JobStatusRetrying}, JobStatusProcessing,
		Update{ExpectedToken: msg.DispatchToken})
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrJobNotFound) {
			e.metrics.IncDuplicates()
			log.Warn("discarding duplicate or stale delivery", slog.String("reason", err.Error()))
			return d.Ack(context.WithoutCancel(ctx))
		}
		// Store unavailable: hand the message back.
		log.Error("failed to acquire job", slog.String("error", err.Error()))
		if nerr := d.Nack(context.WithoutCancel(ctx), true); nerr != nil {
			log.Error("failed to nack delivery", slog.String("error", nerr.Error()))
		}
		return err
	}

	e.metrics.IncInflight()
	defer e.metrics.DecInflight()

	log.Debug("job acquired", slog.Int("retry_count", job.RetryCount))

	handler, err := e.registry.Get(job.Kind)
	if err != nil {
		return e.finishFailure(ctx, d, job, Permanent(err), log)
	}

	reporter := NewProgressReporter(e.store, job, e.progressInterval, e.progressStep)

	attemptCtx, cancelAttempt := context.WithCancelCause(ctx)
	defer cancelAttempt(nil)
	if e.taskTimeLimit > 0 {
		var cancelTimeout context.CancelFunc
		attemptCtx, cancelTimeout = context.WithTimeoutCause(attemptCtx, e.taskTimeLimit, ErrTaskTimeLimit)
		defer cancelTimeout()
	}

	hbStop := make(chan struct{})
	hbExited := make(chan struct{})
	go func() {
		defer close(hbExited)
		e.heartbeat(attemptCtx, d, job, reporter, cancelAttempt, hbStop, log)
	}()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerOutcome{err: &PanicError{Value: r, Stack: string(debug.Stack())}}
			}
		}()
		result, herr := handler(attemptCtx, job.Options, reporter)
		done <- handlerOutcome{result: result, err: herr}
	}()

	var (
		out       handlerOutcome
		abandoned bool
	)
	select {
	case out = <-done:
	case <-attemptCtx.Done():
		// Prefer a result that raced with the cancellation.
		select {
		case out = <-done:
		default:
			abandoned = true
		}
	}
	if out.err != nil && attemptCtx.Err() != nil {
		// The handler gave up because we cancelled it.
		abandoned = true
	}

	// No lease renewal may follow the ack or nack below.
	close(hbStop)
	<-hbExited

	if abandoned {
		return e.abandon(ctx, d, job, context.Cause(attemptCtx), log)
	}
	if out.err != nil {
		return e.finishFailure(ctx, d, job, out.err, log)
	}
	return e.finishSuccess(ctx, d, job, reporter, out.result, log)
}

// heartbeat renews the delivery lease, re-reads the job and flushes
// throttled progress until stop is closed. When the job is no longer
// PROCESSING under our token it cancels the attempt.
func (e *Executor) heartbeat(ctx context.Context, d Delivery, job *Job, reporter *ProgressReporter, cancel context.CancelCauseFunc, stop <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Touch(ctx); err != nil {
				log.Warn("heartbeat: lease renewal failed", slog.String("error", err.Error()))
			}
			current, err := e.store.Get(ctx, job.ID)
			if err != nil {
				log.Warn("heartbeat: job read failed", slog.String("error", err.Error()))
				continue
			}
			if current.Status != JobStatusProcessing || current.DispatchToken != job.DispatchToken {
				log.Info("job moved on, stopping attempt", slog.String("status", string(current.Status)))
				cancel(errAttemptLost)
				return
			}
			if err := reporter.Flush(ctx); err != nil && ctx.Err() == nil {
				log.Warn("heartbeat: progress flush failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (e *Executor) finishSuccess(ctx context.Context, d Delivery, job *Job, reporter *ProgressReporter, result []byte, log *slog.Logger) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := reporter.Finish(fctx); err != nil {
		return e.settleError(fctx, d, job, err, log)
	}
	if _, err := e.store.SetResult(fctx, job.ID, job.DispatchToken, result); err != nil {
		return e.settleError(fctx, d, job, err, log)
	}
	e.metrics.IncJobsCompleted()
	log.Info("job completed", slog.Int("retry_count", job.RetryCount))
	return e.ack(fctx, d, log)
}

func (e *Executor) finishFailure(ctx context.Context, d Delivery, job *Job, herr error, log *slog.Logger) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if _, err := e.retry.HandleFailure(fctx, job, herr); err != nil {
		return e.settleError(fctx, d, job, err, log)
	}
	return e.ack(fctx, d, log)
}

// settleError handles a store error while finishing an attempt. A conflict
// means the job moved on; the outcome is dropped. Anything else, contention
// included, leaves the job PROCESSING for the recovery sweep.
func (e *Executor) settleError(ctx context.Context, d Delivery, job *Job, err error, log *slog.Logger) error {
	if errors.Is(err, ErrConflict) {
		e.metrics.IncJobsLost()
		log.Warn("discarding outcome of lost attempt", slog.String("reason", err.Error()))
		return e.ack(ctx, d, log)
	}
	log.Error("failed to record attempt outcome", slog.String("error", err.Error()))
	if nerr := d.Nack(ctx, false); nerr != nil {
		log.Error("failed to nack delivery", slog.String("error", nerr.Error()))
	}
	return fmt.Errorf("job %s: %w", job.ID, err)
}

// abandon ends an attempt whose context was cancelled before the handler
// finished.
func (e *Executor) abandon(ctx context.Context, d Delivery, job *Job, cause error, log *slog.Logger) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	switch {
	case errors.Is(cause, errAttemptLost):
		e.metrics.IncJobsLost()
		return e.ack(fctx, d, log)

	case errors.Is(cause, ErrTaskTimeLimit):
		// Like a killed worker: drop the lease, keep the job PROCESSING and
		// let the sweep requeue it.
		e.metrics.IncJobsLost()
		log.Error("task time limit exceeded, abandoning attempt", slog.Duration("limit", e.taskTimeLimit))
		if err := d.Nack(fctx, false); err != nil {
			log.Error("failed to nack delivery", slog.String("error", err.Error()))
		}
		return fmt.Errorf("job %s: %w", job.ID, ErrTaskTimeLimit)

	default:
		// Worker shutting down.
		if _, err := e.dispatcher.Requeue(fctx, job, "worker shutdown"); err != nil && !errors.Is(err, ErrConflict) {
			log.Error("failed to requeue interrupted job", slog.String("error", err.Error()))
			if nerr := d.Nack(fctx, false); nerr != nil {
				log.Error("failed to nack delivery", slog.String("error", nerr.Error()))
			}
			return err
		}
		return e.ack(fctx, d, log)
	}
}

func (e *Executor) ack(ctx context.Context, d Delivery, log *slog.Logger) error {
	if err := d.Ack(ctx); err != nil {
		log.Error("failed to ack delivery", slog.String("error", err.Error()))
		return err
	}
	return nil
}
