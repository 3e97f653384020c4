package jobengine_test

import (
	"context"
	"errors"
	"time"

	"github.com/VsevolodSauta/jobengine"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ProgressReporter", func() {
	var (
		ctx      context.Context
		e        *engine
		clock    *fakeClock
		job      *jobengine.Job
		reporter *jobengine.ProgressReporter
	)

	stored := func() *jobengine.Job {
		j, err := e.store.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		return j
	}

	BeforeEach(func() {
		ctx = context.Background()
		registry := jobengine.NewRegistry(map[string]jobengine.Handler{"bulk-extraction": noopHandler})
		e = newEngine(registry, jobengine.NewBackoff(time.Second, 0), time.Minute)
		clock = newFakeClock()

		created, err := e.store.Create(ctx, "bulk-extraction", nil, 3, "user-1")
		Expect(err).NotTo(HaveOccurred())
		token, err := e.dispatcher.Dispatch(ctx, created.ID, created.Kind, 0)
		Expect(err).NotTo(HaveOccurred())
		job, err = e.acquire(ctx, created.ID, token)
		Expect(err).NotTo(HaveOccurred())

		reporter = jobengine.NewProgressReporterWithClock(e.store, job, time.Second, 5, clock.Now)
	})

	AfterEach(func() {
		e.close()
	})

	It("holds back small steps until the interval passes", func() {
		Expect(reporter.Report(ctx, 2)).To(Succeed())
		Expect(stored().Progress).To(Equal(0))

		clock.Advance(999 * time.Millisecond)
		Expect(reporter.Report(ctx, 3)).To(Succeed())
		Expect(stored().Progress).To(Equal(0))

		clock.Advance(time.Millisecond)
		Expect(reporter.Report(ctx, 3)).To(Succeed()) // not an increase
		Expect(stored().Progress).To(Equal(0))
		Expect(reporter.Report(ctx, 4)).To(Succeed())
		Expect(stored().Progress).To(Equal(4))
	})

	It("flushes a held-back value on demand", func() {
		Expect(reporter.Report(ctx, 3)).To(Succeed())
		Expect(reporter.ReportItems(ctx, 1, 0, 25)).To(Succeed())
		Expect(stored().Progress).To(Equal(0))

		Expect(reporter.Flush(ctx)).To(Succeed())
		Expect(stored().Progress).To(Equal(4))
		Expect(stored().ProcessedItems).To(Equal(1))

		// Nothing new: no write.
		before := stored().UpdatedAt
		Expect(reporter.Flush(ctx)).To(Succeed())
		Expect(stored().UpdatedAt).To(Equal(before))
	})

	It("writes as soon as the step is reached", func() {
		Expect(reporter.Report(ctx, 5)).To(Succeed())
		Expect(stored().Progress).To(Equal(5))

		Expect(reporter.Report(ctx, 9)).To(Succeed())
		Expect(stored().Progress).To(Equal(5))

		Expect(reporter.Report(ctx, 10)).To(Succeed())
		Expect(stored().Progress).To(Equal(10))
	})

	It("never throttles 100", func() {
		Expect(reporter.Report(ctx, 98)).To(Succeed())
		Expect(reporter.Report(ctx, 100)).To(Succeed())
		Expect(stored().Progress).To(Equal(100))
	})

	It("ignores values below the highest reported", func() {
		Expect(reporter.Report(ctx, 60)).To(Succeed())
		Expect(reporter.Report(ctx, 20)).To(Succeed())
		Expect(reporter.Current()).To(Equal(60))
		Expect(stored().Progress).To(Equal(60))
	})

	It("rejects values outside 0..100", func() {
		err := reporter.Report(ctx, 120)
		var validation *jobengine.ValidationError
		Expect(errors.As(err, &validation)).To(BeTrue())

		err = reporter.Report(ctx, -1)
		Expect(errors.As(err, &validation)).To(BeTrue())
	})

	It("derives percent from item counters", func() {
		Expect(reporter.ReportItems(ctx, 3, 1, 8)).To(Succeed())
		j := stored()
		Expect(j.Progress).To(Equal(50))
		Expect(j.ProcessedItems).To(Equal(3))
		Expect(j.FailedItems).To(Equal(1))

		Expect(reporter.ReportItems(ctx, 3, 1, 0)).NotTo(Succeed())
		Expect(reporter.ReportItems(ctx, 6, 3, 8)).NotTo(Succeed())
	})

	It("persists 100 synchronously on Finish", func() {
		Expect(reporter.Report(ctx, 42)).To(Succeed())
		Expect(reporter.Finish(ctx)).To(Succeed())
		Expect(stored().Progress).To(Equal(100))
	})

	It("reports a conflict once the job is cancelled", func() {
		_, err := e.store.Cancel(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())

		err = reporter.Report(ctx, 50)
		Expect(errors.Is(err, jobengine.ErrConflict)).To(BeTrue())
	})

	It("continues from the stored value on a later attempt", func() {
		Expect(reporter.Report(ctx, 40)).To(Succeed())

		next := jobengine.NewProgressReporterWithClock(e.store, stored(), time.Second, 5, clock.Now)
		Expect(next.Current()).To(Equal(40))
		Expect(next.Report(ctx, 10)).To(Succeed())
		Expect(stored().Progress).To(Equal(40))
	})
})
