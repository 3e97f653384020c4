package jobengine

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RecoverySweep finds jobs whose message or worker was lost and dispatches
// them again.
//
// A PROCESSING job is a candidate when it has not been written for the
// liveness threshold; it is requeued only if the broker holds no live lease
// for its token. A PENDING or RETRYING job is a candidate when it has not
// been dispatched for the threshold plus its pending backoff; it gets a new
// token and message, which turns any message still queued for it stale.
type RecoverySweep struct {
	store      *JobStore
	broker     Broker
	dispatcher *Dispatcher
	backoff    Backoff
	threshold  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewRecoverySweep creates a sweep with the given liveness threshold. backoff
// must match the retry controller's, so that a delayed retry is not taken for
// a lost one.
func NewRecoverySweep(store *JobStore, broker Broker, dispatcher *Dispatcher, backoff Backoff, threshold time.Duration, logger *slog.Logger) *RecoverySweep {
	return &RecoverySweep{
		store:      store,
		broker:     broker,
		dispatcher: dispatcher,
		backoff:    backoff,
		threshold:  threshold,
		logger:     logger,
		now:        time.Now,
	}
}

// SweepOnce runs one pass and returns how many jobs were dispatched again.
func (s *RecoverySweep) SweepOnce(ctx context.Context) (int, error) {
	requeued, err := s.sweepProcessing(ctx)
	if err != nil {
		return requeued, err
	}
	redispatched, err := s.sweepUndelivered(ctx)
	if err != nil {
		return requeued + redispatched, err
	}

	if requeued > 0 || redispatched > 0 {
		s.logger.Info("sweep recovered jobs",
			slog.Int("requeued", requeued),
			slog.Int("redispatched", redispatched),
		)
	}
	return requeued + redispatched, nil
}

func (s *RecoverySweep) sweepProcessing(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.threshold)
	stale, err := s.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, candidate := range stale {
		if err := ctx.Err(); err != nil {
			return requeued, err
		}

		// Re-read: the job may have finished since it was listed.
		job, err := s.store.Get(ctx, candidate.ID)
		if err != nil {
			s.logger.Warn("sweep: failed to re-read job", slog.String("job_id", candidate.ID), slog.String("error", err.Error()))
			continue
		}
		if job.Status != JobStatusProcessing || !job.UpdatedAt.Before(cutoff) {
			continue
		}

		live, err := s.broker.IsLive(ctx, job.DispatchToken)
		if err != nil {
			s.logger.Warn("sweep: liveness check failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			continue
		}
		if live {
			continue
		}

		if _, err := s.dispatcher.Requeue(ctx, job, "worker lost"); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			s.logger.Error("sweep: failed to requeue job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			continue
		}
		requeued++
	}
	return requeued, nil
}

func (s *RecoverySweep) sweepUndelivered(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.store.ListUndelivered(ctx, now.Add(-s.threshold))
	if err != nil {
		return 0, err
	}

	redispatched := 0
	for _, candidate := range stale {
		if err := ctx.Err(); err != nil {
			return redispatched, err
		}

		job, err := s.store.Get(ctx, candidate.ID)
		if err != nil {
			s.logger.Warn("sweep: failed to re-read job", slog.String("job_id", candidate.ID), slog.String("error", err.Error()))
			continue
		}
		if job.Status != JobStatusPending && job.Status != JobStatusRetrying {
			continue
		}
		if !job.UpdatedAt.Before(now.Add(-s.threshold - s.pendingDelay(job))) {
			continue
		}

		if _, err := s.dispatcher.Redispatch(ctx, job); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			s.logger.Error("sweep: failed to redispatch job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			continue
		}
		redispatched++
	}
	return redispatched, nil
}

// pendingDelay is the backoff the job's current message may still be waiting
// out. A requeued job has none, but waiting it out anyway is harmless.
func (s *RecoverySweep) pendingDelay(job *Job) time.Duration {
	if job.Status != JobStatusRetrying || job.RetryCount == 0 {
		return 0
	}
	return s.backoff.Delay(job.RetryCount - 1)
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *RecoverySweep) Run(ctx context.Context, interval time.Duration) {
	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
