package jobengine

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// meterName is the instrumentation scope of engine metrics.
const meterName = "github.com/VsevolodSauta/jobengine"

// Instrument names.
const (
	metricJobsSubmitted    = "jobengine.jobs.submitted"
	metricJobsCompleted    = "jobengine.jobs.completed"
	metricJobsFailed       = "jobengine.jobs.failed"
	metricJobsRetries      = "jobengine.jobs.retries"
	metricJobsRequeued     = "jobengine.jobs.requeued"
	metricJobsRedispatched = "jobengine.jobs.redispatched"
	metricJobsCancelled    = "jobengine.jobs.cancelled"
	metricJobsLost         = "jobengine.jobs.lost"
	metricDuplicates       = "jobengine.deliveries.duplicate"
	metricTrashPurged      = "jobengine.trash.purged"
	metricInflight         = "jobengine.jobs.inflight"
	metricActiveWorkers    = "jobengine.workers.active"
)

// Metrics records engine counters and gauges as OpenTelemetry instruments.
// It owns a MeterProvider with a manual reader backing Snapshot; extra
// readers, such as a Prometheus exporter, receive the same data. All methods
// are safe for concurrent use and on a nil receiver.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader

	jobsSubmitted    metric.Int64Counter
	jobsCompleted    metric.Int64Counter
	jobsFailed       metric.Int64Counter
	jobsRetries      metric.Int64Counter
	jobsRequeued     metric.Int64Counter
	jobsRedispatched metric.Int64Counter
	jobsCancelled    metric.Int64Counter
	jobsLost         metric.Int64Counter
	duplicates       metric.Int64Counter
	trashPurged      metric.Int64Counter

	inflight      metric.Int64UpDownCounter
	activeWorkers metric.Int64UpDownCounter
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	JobsSubmitted    uint64
	JobsCompleted    uint64
	JobsFailed       uint64
	JobsRetries      uint64
	JobsRequeued     uint64
	JobsRedispatched uint64
	JobsCancelled    uint64
	JobsLost         uint64
	Duplicates       uint64
	TrashPurged      uint64
	Inflight         int64
	ActiveWorkers    int64
}

// NewMetrics creates engine metrics. readers are attached to the metrics'
// MeterProvider next to the one Snapshot reads from.
func NewMetrics(readers ...sdkmetric.Reader) *Metrics {
	reader := sdkmetric.NewManualReader()
	opts := []sdkmetric.Option{sdkmetric.WithReader(reader)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	meter := provider.Meter(meterName)

	// On error the API hands back a noop instrument, so the errors are
	// dropped.
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	gauge := func(name, desc, unit string) metric.Int64UpDownCounter {
		g, _ := meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return g
	}

	return &Metrics{
		provider: provider,
		reader:   reader,

		jobsSubmitted:    counter(metricJobsSubmitted, "Jobs created and dispatched", "{job}"),
		jobsCompleted:    counter(metricJobsCompleted, "Jobs completed", "{job}"),
		jobsFailed:       counter(metricJobsFailed, "Jobs failed for good", "{job}"),
		jobsRetries:      counter(metricJobsRetries, "Retries scheduled after a failed attempt", "{retry}"),
		jobsRequeued:     counter(metricJobsRequeued, "Jobs taken back from a lost or interrupted worker", "{job}"),
		jobsRedispatched: counter(metricJobsRedispatched, "Jobs dispatched again after their message was lost", "{job}"),
		jobsCancelled:    counter(metricJobsCancelled, "Jobs cancelled", "{job}"),
		jobsLost:         counter(metricJobsLost, "Attempts abandoned because the job moved on", "{attempt}"),
		duplicates:       counter(metricDuplicates, "Deliveries discarded as stale or duplicate", "{delivery}"),
		trashPurged:      counter(metricTrashPurged, "Trash entries purged", "{entry}"),

		inflight:      gauge(metricInflight, "Attempts currently running", "{attempt}"),
		activeWorkers: gauge(metricActiveWorkers, "Consumer goroutines running", "{worker}"),
	}
}

// Shutdown flushes and stops the attached readers.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func addCount(c metric.Int64Counter, n int64) {
	if n > 0 {
		c.Add(context.Background(), n)
	}
}

func moveGauge(g metric.Int64UpDownCounter, n int64) {
	g.Add(context.Background(), n)
}

func (m *Metrics) IncJobsSubmitted() {
	if m != nil {
		addCount(m.jobsSubmitted, 1)
	}
}

func (m *Metrics) IncJobsCompleted() {
	if m != nil {
		addCount(m.jobsCompleted, 1)
	}
}

func (m *Metrics) IncJobsFailed() {
	if m != nil {
		addCount(m.jobsFailed, 1)
	}
}

func (m *Metrics) IncJobsRetries() {
	if m != nil {
		addCount(m.jobsRetries, 1)
	}
}

func (m *Metrics) IncJobsRequeued() {
	if m != nil {
		addCount(m.jobsRequeued, 1)
	}
}

// IncJobsRedispatched counts PENDING or RETRYING jobs the sweep sent again.
func (m *Metrics) IncJobsRedispatched() {
	if m != nil {
		addCount(m.jobsRedispatched, 1)
	}
}

func (m *Metrics) IncJobsCancelled() {
	if m != nil {
		addCount(m.jobsCancelled, 1)
	}
}

// IncJobsLost counts attempts abandoned because the job moved on without them.
func (m *Metrics) IncJobsLost() {
	if m != nil {
		addCount(m.jobsLost, 1)
	}
}

func (m *Metrics) IncDuplicates() {
	if m != nil {
		addCount(m.duplicates, 1)
	}
}

func (m *Metrics) AddTrashPurged(n int) {
	if m != nil {
		addCount(m.trashPurged, int64(n))
	}
}

// gauges
func (m *Metrics) IncInflight() {
	if m != nil {
		moveGauge(m.inflight, 1)
	}
}

func (m *Metrics) DecInflight() {
	if m != nil {
		moveGauge(m.inflight, -1)
	}
}

func (m *Metrics) IncActiveWorkers() {
	if m != nil {
		moveGauge(m.activeWorkers, 1)
	}
}

func (m *Metrics) DecActiveWorkers() {
	if m != nil {
		moveGauge(m.activeWorkers, -1)
	}
}

// Snapshot collects the current values from the internal reader.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}

	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(context.Background(), &rm); err != nil {
		return MetricsSnapshot{}
	}
	values := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				values[md.Name] += dp.Value
			}
		}
	}

	return MetricsSnapshot{
		JobsSubmitted:    uint64(values[metricJobsSubmitted]),
		JobsCompleted:    uint64(values[metricJobsCompleted]),
		JobsFailed:       uint64(values[metricJobsFailed]),
		JobsRetries:      uint64(values[metricJobsRetries]),
		JobsRequeued:     uint64(values[metricJobsRequeued]),
		JobsRedispatched: uint64(values[metricJobsRedispatched]),
		JobsCancelled:    uint64(values[metricJobsCancelled]),
		JobsLost:         uint64(values[metricJobsLost]),
		Duplicates:       uint64(values[metricDuplicates]),
		TrashPurged:      uint64(values[metricTrashPurged]),
		Inflight:         values[metricInflight],
		ActiveWorkers:    values[metricActiveWorkers],
	}
}
