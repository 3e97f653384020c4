package jobengine_test

import (
	"context"

	"github.com/VsevolodSauta/jobengine"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var _ = Describe("Metrics", func() {
	It("is safe on a nil receiver", func() {
		var m *jobengine.Metrics
		Expect(func() {
			m.IncJobsSubmitted()
			m.IncInflight()
			m.AddTrashPurged(3)
		}).NotTo(Panic())
		Expect(m.Snapshot()).To(Equal(jobengine.MetricsSnapshot{}))
		Expect(m.Shutdown(context.Background())).To(Succeed())
	})

	It("snapshots counters and gauges", func() {
		m := jobengine.NewMetrics()
		DeferCleanup(m.Shutdown, context.Background())

		m.IncJobsSubmitted()
		m.IncJobsSubmitted()
		m.IncJobsCompleted()
		m.IncDuplicates()
		m.AddTrashPurged(4)
		m.AddTrashPurged(0)
		m.IncInflight()
		m.IncInflight()
		m.DecInflight()
		m.IncActiveWorkers()
		m.DecActiveWorkers()

		Expect(m.Snapshot()).To(Equal(jobengine.MetricsSnapshot{
			JobsSubmitted: 2,
			JobsCompleted: 1,
			Duplicates:    1,
			TrashPurged:   4,
			Inflight:      1,
		}))
	})

	It("feeds extra readers", func() {
		reader := sdkmetric.NewManualReader()
		m := jobengine.NewMetrics(reader)
		DeferCleanup(m.Shutdown, context.Background())

		m.IncJobsRetries()
		m.IncJobsRetries()

		var rm metricdata.ResourceMetrics
		Expect(reader.Collect(context.Background(), &rm)).To(Succeed())

		values := map[string]int64{}
		for _, sm := range rm.ScopeMetrics {
			Expect(sm.Scope.Name).To(Equal("github.com/VsevolodSauta/jobengine"))
			for _, md := range sm.Metrics {
				if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
					for _, dp := range sum.DataPoints {
						values[md.Name] += dp.Value
					}
				}
			}
		}
		Expect(values).To(HaveKeyWithValue("jobengine.jobs.retries", int64(2)))
	})
})
