// Package jobengine provides a background job execution engine with durable
// job records, broker-based dispatch and crash recovery.
//
// The engine supports:
//   - Multiple storage backends (BadgerDB, SQLite, Postgres, in-memory)
//   - Multiple brokers (Redis, RabbitMQ, in-memory) with delayed delivery
//   - Compare-and-set status transitions as the only concurrency control
//   - Bounded retries with exponential backoff
//   - Throttled, monotonic progress reporting
//   - A recovery sweep that requeues jobs orphaned by dead workers
//   - Retention purge of soft-deleted trash entries
//
// Example usage:
//
//	backend := jobengine.NewInMemoryBackend()
//	broker := jobengine.NewMemoryBroker(jobengine.NewMemoryLeases(30*time.Second), logger)
//	registry := jobengine.NewRegistry(map[string]jobengine.Handler{
//	    "export": exportHandler,
//	})
//	svc := jobengine.NewWorkerService(backend, broker, registry, jobengine.LoadConfig(), logger)
//	_ = svc.Start(ctx)
//	defer svc.Stop(ctx)
//
//	jobID, _ := svc.Submit(ctx, "export", []byte(`{"table_id": 7}`), "user-1")
package jobengine

import (
	"time"
)

// JobStatus represents the lifecycle status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job was created and is waiting for its first attempt.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing indicates a worker holds the job under its dispatch token.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusRetrying indicates the job failed (or its worker died) and was re-dispatched.
	JobStatusRetrying JobStatus = "retrying"
	// JobStatusCompleted indicates the job finished successfully. Terminal.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed permanently or exhausted its retries. Terminal.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled on request. Terminal.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further change is permitted in this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// nonTerminalStatuses lists every status a job may be cancelled from.
var nonTerminalStatuses = []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusRetrying}

// Job is the durable record of one unit of asynchronous work.
type Job struct {
	ID              string     // Unique job identifier, immutable
	Kind            string     // Handler kind (e.g. "extraction", "export")
	Status          JobStatus  // Current lifecycle status
	DispatchToken   string     // Token of the current in-flight broker message
	Progress        int        // 0..100, never decreases
	ProcessedItems  int        // Items processed so far (bulk jobs)
	FailedItems     int        // Items that failed so far (bulk jobs)
	RetryCount      int        // Retries consumed; only the retry controller increments it
	MaxRetries      int        // Retry budget
	Options         []byte     // Opaque handler configuration
	Result          []byte     // Opaque result, set once on completion
	ErrorMessage    string     // Last attempt's error
	ErrorStackTrace string     // Last attempt's error chain or panic stack
	OwnerID         string     // Requester, used by the API layer only
	CreatedAt       time.Time  // When the job was created
	StartedAt       *time.Time // First PROCESSING entry (nil if never started)
	CompletedAt     *time.Time // Terminal transition time (nil if not terminal)
	UpdatedAt       time.Time  // Last persisted write (transition or progress)
}

// Update carries the optional field changes applied together with a status
// transition. Nil pointers leave the stored value untouched.
type Update struct {
	// ExpectedToken, when set, makes the transition conditional on the stored
	// dispatch token as well as the status.
	ExpectedToken string

	DispatchToken   *string
	Progress        *int
	Result          []byte
	ErrorMessage    *string
	ErrorStackTrace *string

	// IncrementRetry consumes one unit of the retry budget.
	IncrementRetry bool
}

// ProgressUpdate is a progress write for a job in PROCESSING.
type ProgressUpdate struct {
	Progress       int
	ProcessedItems *int
	FailedItems    *int
}

// TrashEntry is a soft-deleted entity awaiting permanent removal.
type TrashEntry struct {
	ID         string    // Unique entry identifier
	EntityType string    // e.g. "table", "record", "field"
	EntityID   string    // Identifier of the deleted entity
	Payload    []byte    // Snapshot of the entity at deletion
	DeletedAt  time.Time // When the entity was soft-deleted
	DeletedBy  string    // Who deleted it
}

func stringPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }
