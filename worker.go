package jobengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPurgeUnsupported is returned by WorkerService.Purge when the backend
// keeps no trash.
var ErrPurgeUnsupported = errors.New("jobengine: backend does not support trash purge")

// WorkerService wires the engine together: it submits jobs, runs a pool of
// consumers executing deliveries, and runs the recovery sweep and the
// periodic trash purge in the background.
type WorkerService struct {
	store      *JobStore
	broker     Broker
	registry   *Registry
	config     *Config
	dispatcher *Dispatcher
	retry      *RetryController
	executor   *Executor
	sweep      *RecoverySweep
	purger     *Purger
	metrics    *Metrics
	logger     *slog.Logger
	kinds      []string

	mu            sync.Mutex
	running       bool
	consumeCancel context.CancelFunc
	runCancel     context.CancelFunc
	wg            sync.WaitGroup // consumers
	bgWg          sync.WaitGroup // sweep and purge loops
}

// ServiceOption configures a WorkerService.
type ServiceOption func(*WorkerService)

// WithMetrics makes the service report into m instead of its own Metrics.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *WorkerService) { s.metrics = m }
}

// WithKinds restricts the kinds this service consumes. Submit still accepts
// every registered kind.
func WithKinds(kinds ...string) ServiceOption {
	return func(s *WorkerService) { s.kinds = kinds }
}

// NewWorkerService creates a worker service.
// backend is the job store; when it also implements TrashBackend the purge
// loop and Purge are enabled.
// config may be nil for defaults.
func NewWorkerService(backend Backend, broker Broker, registry *Registry, config *Config, logger *slog.Logger, opts ...ServiceOption) *WorkerService {
	cfg := config.withDefaults()
	s := &WorkerService{
		broker:   broker,
		registry: registry,
		config:   cfg,
		metrics:  NewMetrics(),
		logger:   logger,
		kinds:    registry.Kinds(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.store = NewJobStore(backend, registry, logger)
	s.dispatcher = NewDispatcher(s.store, broker, s.metrics, logger)
	backoff := NewBackoff(cfg.BackoffBase, cfg.BackoffMax)
	s.retry = NewRetryController(s.store, s.dispatcher, backoff, s.metrics, logger)
	s.executor = NewExecutor(s.store, registry, s.dispatcher, s.retry, cfg, s.metrics, logger)
	s.sweep = NewRecoverySweep(s.store, broker, s.dispatcher, backoff, cfg.LivenessThreshold, logger)
	if trash, ok := backend.(TrashBackend); ok {
		s.purger = NewPurger(trash, s.metrics, logger)
	}
	return s
}

// Store returns the job store.
func (s *WorkerService) Store() *JobStore { return s.store }

// Dispatcher returns the dispatcher.
func (s *WorkerService) Dispatcher() *Dispatcher { return s.dispatcher }

// Sweep returns the recovery sweep.
func (s *WorkerService) Sweep() *RecoverySweep { return s.sweep }

// Metrics returns the service metrics.
func (s *WorkerService) Metrics() *Metrics { return s.metrics }

// Start launches Concurrency consumers, the recovery sweep and, when
// enabled, the purge loop. It returns immediately.
func (s *WorkerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if len(s.kinds) == 0 {
		return &ValidationError{Field: "kinds", Message: "no handlers registered"}
	}

	runCtx, runCancel := context.WithCancel(ctx)
	consumeCtx, consumeCancel := context.WithCancel(runCtx)

	deliveries := make([]<-chan Delivery, 0, s.config.Concurrency)
	for i := 0; i < s.config.Concurrency; i++ {
		ch, err := s.broker.Consume(consumeCtx, s.kinds)
		if err != nil {
			consumeCancel()
			runCancel()
			return fmt.Errorf("failed to start consumer: %w", err)
		}
		deliveries = append(deliveries, ch)
	}

	s.logger.Info("worker service starting",
		slog.Int("concurrency", s.config.Concurrency),
		slog.Any("kinds", s.kinds),
	)

	for _, ch := range deliveries {
		s.wg.Add(1)
		go s.consumeLoop(runCtx, ch)
	}

	s.bgWg.Add(1)
	go func() {
		defer s.bgWg.Done()
		s.sweep.Run(consumeCtx, s.config.SweepInterval)
	}()

	if s.purger != nil && s.config.PurgeInterval > 0 {
		s.bgWg.Add(1)
		go s.purgeLoop(consumeCtx)
	}

	s.consumeCancel = consumeCancel
	s.runCancel = runCancel
	s.running = true
	return nil
}

// Stop stops taking new deliveries and waits for running attempts to finish.
// When ctx ends first, running attempts are interrupted and their jobs are
// requeued for another worker.
func (s *WorkerService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	consumeCancel, runCancel := s.consumeCancel, s.runCancel
	s.mu.Unlock()

	s.logger.Info("worker service stopping")
	consumeCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("worker service stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("worker service shutdown timed out, interrupting running jobs")
		runCancel()
		<-done
	}
	runCancel()
	s.bgWg.Wait()
	return nil
}

// consumeLoop executes deliveries one at a time until the channel closes.
func (s *WorkerService) consumeLoop(ctx context.Context, deliveries <-chan Delivery) {
	defer s.wg.Done()
	s.metrics.IncActiveWorkers()
	defer s.metrics.DecActiveWorkers()

	for d := range deliveries {
		if err := s.executor.Execute(ctx, d); err != nil {
			s.logger.Debug("job execution ended with error",
				slog.String("job_id", d.Message().JobID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// purgeLoop periodically purges expired trash
func (s *WorkerService) purgeLoop(ctx context.Context) {
	defer s.bgWg.Done()

	ticker := time.NewTicker(s.config.PurgeInterval)
	defer ticker.Stop()

	// Run purge immediately on start
	s.purge(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

func (s *WorkerService) purge(ctx context.Context) {
	if _, err := s.purger.Purge(ctx, s.config.TrashRetentionDays, false); err != nil && ctx.Err() == nil {
		s.logger.Error("periodic trash purge failed", slog.String("error", err.Error()))
	}
}

// SubmitOption configures a submitted job.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	maxRetries int
}

// WithMaxRetries overrides the configured retry budget for one job.
func WithMaxRetries(n int) SubmitOption {
	return func(o *submitOptions) { o.maxRetries = n }
}

// Submit creates a job and dispatches it. It returns the job ID; handler
// failures never surface here, only on the job record.
func (s *WorkerService) Submit(ctx context.Context, kind string, options []byte, ownerID string, opts ...SubmitOption) (string, error) {
	so := submitOptions{maxRetries: s.config.MaxRetries}
	for _, opt := range opts {
		opt(&so)
	}

	job, err := s.store.Create(ctx, kind, options, so.maxRetries, ownerID)
	if err != nil {
		return "", err
	}
	if _, err := s.dispatcher.Dispatch(ctx, job.ID, kind, 0); err != nil {
		return job.ID, fmt.Errorf("job %s created but not dispatched: %w", job.ID, err)
	}
	s.metrics.IncJobsSubmitted()

	s.logger.Info("job submitted",
		slog.String("job_id", job.ID),
		slog.String("kind", kind),
		slog.Int("max_retries", so.maxRetries),
	)
	return job.ID, nil
}

// Get returns the current job record.
func (s *WorkerService) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.store.Get(ctx, jobID)
}

// Cancel cancels a job that has not reached a terminal state. A running
// attempt notices on its next heartbeat or progress write and stops.
func (s *WorkerService) Cancel(ctx context.Context, jobID string) (*Job, error) {
	prev, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job, err := s.store.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if prev.Status != JobStatusCancelled {
		s.metrics.IncJobsCancelled()
	}
	return job, nil
}

// Purge runs a synchronous trash purge.
func (s *WorkerService) Purge(ctx context.Context, retentionDays int, dryRun bool) (*PurgeSummary, error) {
	if s.purger == nil {
		return nil, ErrPurgeUnsupported
	}
	return s.purger.Purge(ctx, retentionDays, dryRun)
}
