package jobengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// PurgeSummary is the outcome of one purge run.
type PurgeSummary struct {
	Status      string    `json:"status"`
	PurgedCount int       `json:"purged_count"`
	Cutoff      time.Time `json:"cutoff"`
	DryRun      bool      `json:"dry_run"`
}

// Purger permanently removes trash entries older than a retention period.
type Purger struct {
	trash   TrashBackend
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewPurger creates a purger over trash. metrics may be nil.
func NewPurger(trash TrashBackend, metrics *Metrics, logger *slog.Logger) *Purger {
	return &Purger{
		trash:   trash,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Purge deletes entries soft-deleted more than retentionDays ago. With
// dryRun it only counts them.
func (p *Purger) Purge(ctx context.Context, retentionDays int, dryRun bool) (*PurgeSummary, error) {
	if retentionDays < 1 {
		return nil, &ValidationError{Field: "retention_days", Message: "must be at least 1"}
	}

	cutoff := p.now().AddDate(0, 0, -retentionDays)
	n, err := p.trash.PurgeTrash(ctx, cutoff, dryRun)
	if err != nil {
		return nil, fmt.Errorf("failed to purge trash: %w", err)
	}
	if !dryRun {
		p.metrics.AddTrashPurged(n)
	}

	p.logger.Info("trash purge finished",
		slog.Int("purged", n),
		slog.Time("cutoff", cutoff),
		slog.Bool("dry_run", dryRun),
	)
	return &PurgeSummary{
		Status:      "completed",
		PurgedCount: n,
		Cutoff:      cutoff,
		DryRun:      dryRun,
	}, nil
}

// PurgeKind is the job kind PurgeHandler is usually registered under.
const PurgeKind = "purge-trash"

// PurgeOptions are the job options understood by PurgeHandler.
type PurgeOptions struct {
	RetentionDays int  `json:"retention_days"`
	DryRun        bool `json:"dry_run"`
}

// PurgeHandler runs a purge as a job. Empty options use defaultRetentionDays.
// The result is the JSON PurgeSummary.
func PurgeHandler(p *Purger, defaultRetentionDays int) Handler {
	return func(ctx context.Context, options []byte, progress Progress) ([]byte, error) {
		opts := PurgeOptions{RetentionDays: defaultRetentionDays}
		if len(options) > 0 {
			if err := json.Unmarshal(options, &opts); err != nil {
				return nil, &ValidationError{Field: "options", Message: err.Error()}
			}
		}

		summary, err := p.Purge(ctx, opts.RetentionDays, opts.DryRun)
		if err != nil {
			return nil, err
		}
		if err := progress.Report(ctx, 100); err != nil {
			return nil, err
		}
		return json.Marshal(summary)
	}
}
