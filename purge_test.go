package jobengine_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/VsevolodSauta/jobengine"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Purger", func() {
	var (
		ctx     context.Context
		clock   *fakeClock
		backend *jobengine.InMemoryBackend
		metrics *jobengine.Metrics
		purger  *jobengine.Purger
	)

	put := func(id string, age time.Duration) {
		Expect(backend.PutTrash(ctx, &jobengine.TrashEntry{
			ID:         id,
			EntityType: "table",
			EntityID:   "tbl-" + id,
			Payload:    []byte(`{"name":"orders"}`),
			DeletedAt:  clock.Now().Add(-age),
			DeletedBy:  "user-1",
		})).To(Succeed())
	}

	remaining := func() []string {
		entries, err := backend.ListTrash(ctx)
		Expect(err).NotTo(HaveOccurred())
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.ID)
		}
		return ids
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = newFakeClock()
		backend = jobengine.NewInMemoryBackend()
		metrics = jobengine.NewMetrics()
		purger = jobengine.NewPurger(backend, metrics, testLogger())
		jobengine.SetPurgerClock(purger, clock.Now)

		put("old", 35*24*time.Hour)
		put("recent", 5*24*time.Hour)
	})

	AfterEach(func() {
		_ = backend.Close()
	})

	It("removes entries older than the retention period", func() {
		summary, err := purger.Purge(ctx, 30, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Status).To(Equal("completed"))
		Expect(summary.PurgedCount).To(Equal(1))
		Expect(summary.DryRun).To(BeFalse())
		Expect(summary.Cutoff).To(Equal(clock.Now().AddDate(0, 0, -30)))

		Expect(remaining()).To(ConsistOf("recent"))
		Expect(metrics.Snapshot().TrashPurged).To(Equal(uint64(1)))

		_, err = backend.GetTrash(ctx, "old")
		Expect(errors.Is(err, jobengine.ErrTrashNotFound)).To(BeTrue())
	})

	It("only counts on a dry run", func() {
		summary, err := purger.Purge(ctx, 30, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.PurgedCount).To(Equal(1))
		Expect(summary.DryRun).To(BeTrue())

		Expect(remaining()).To(ConsistOf("old", "recent"))
		Expect(metrics.Snapshot().TrashPurged).To(Equal(uint64(0)))
	})

	It("reaches recent entries with a shorter retention", func() {
		summary, err := purger.Purge(ctx, 1, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.PurgedCount).To(Equal(2))
		Expect(remaining()).To(BeEmpty())
	})

	It("rejects a retention under one day", func() {
		_, err := purger.Purge(ctx, 0, false)
		var validation *jobengine.ValidationError
		Expect(errors.As(err, &validation)).To(BeTrue())
		Expect(remaining()).To(HaveLen(2))
	})
})

var _ = Describe("MoveToTrash", func() {
	It("records the entity with a fresh id", func() {
		ctx := context.Background()
		backend := jobengine.NewInMemoryBackend()
		defer backend.Close()

		entry, err := jobengine.MoveToTrash(ctx, backend, "record", "rec-9", []byte(`{"a":1}`), "user-2")
		Expect(err).NotTo(HaveOccurred())
		Expect(entry.ID).NotTo(BeEmpty())
		Expect(entry.DeletedAt).To(BeTemporally("~", time.Now(), time.Second))

		stored, err := backend.GetTrash(ctx, entry.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.EntityID).To(Equal("rec-9"))
		Expect(stored.Payload).To(MatchJSON(`{"a":1}`))

		_, err = jobengine.MoveToTrash(ctx, backend, "", "rec-9", nil, "user-2")
		Expect(err).To(HaveOccurred())
	})
})

// jobsOnly hides the trash methods of the backend it wraps.
type jobsOnly struct {
	jobengine.Backend
}

var _ = Describe("Trash purge through the worker service", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("runs a purge job and stores the summary as its result", func() {
		backend := jobengine.NewInMemoryBackend()
		purger := jobengine.NewPurger(backend, nil, testLogger())
		h := newServiceHarness(map[string]jobengine.Handler{
			jobengine.PurgeKind: jobengine.PurgeHandler(purger, 30),
		}, testConfig())
		h.start()

		for id, age := range map[string]int{"f-40": 40, "f-31": 31, "f-2": 2} {
			Expect(backend.PutTrash(ctx, &jobengine.TrashEntry{
				ID:         id,
				EntityType: "field",
				EntityID:   id,
				DeletedAt:  time.Now().AddDate(0, 0, -age),
			})).To(Succeed())
		}

		id, err := h.svc.Submit(ctx, jobengine.PurgeKind, []byte(`{"retention_days":30}`), "admin")
		Expect(err).NotTo(HaveOccurred())
		Eventually(h.status(id), 5*time.Second).Should(Equal(jobengine.JobStatusCompleted))

		var summary jobengine.PurgeSummary
		Expect(json.Unmarshal(h.job(id).Result, &summary)).To(Succeed())
		Expect(summary.Status).To(Equal("completed"))
		Expect(summary.PurgedCount).To(Equal(2))
		Expect(summary.DryRun).To(BeFalse())

		entries, err := backend.ListTrash(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].ID).To(Equal("f-2"))
	})

	It("fails a purge job with bad options without retrying", func() {
		backend := jobengine.NewInMemoryBackend()
		purger := jobengine.NewPurger(backend, nil, testLogger())
		h := newServiceHarness(map[string]jobengine.Handler{
			jobengine.PurgeKind: jobengine.PurgeHandler(purger, 30),
		}, testConfig())
		h.start()

		id, err := h.svc.Submit(ctx, jobengine.PurgeKind, []byte(`{"retention_days":0}`), "admin")
		Expect(err).NotTo(HaveOccurred())
		Eventually(h.status(id), 5*time.Second).Should(Equal(jobengine.JobStatusFailed))
		Expect(h.job(id).RetryCount).To(Equal(0))
	})

	It("purges synchronously and counts the purged entries", func() {
		h := newServiceHarness(map[string]jobengine.Handler{"export": noopHandler}, testConfig())
		Expect(h.backend.PutTrash(ctx, &jobengine.TrashEntry{
			ID: "t1", EntityType: "table", EntityID: "tbl", DeletedAt: time.Now().AddDate(0, 0, -90),
		})).To(Succeed())

		summary, err := h.svc.Purge(ctx, 30, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.PurgedCount).To(Equal(1))
		Expect(h.svc.Metrics().Snapshot().TrashPurged).To(Equal(uint64(1)))
	})

	It("reports a backend without trash", func() {
		backend := jobengine.NewInMemoryBackend()
		defer backend.Close()
		broker := jobengine.NewMemoryBroker(jobengine.NewMemoryLeases(time.Minute), testLogger())
		defer broker.Close()

		svc := jobengine.NewWorkerService(jobsOnly{backend}, broker,
			jobengine.NewRegistry(map[string]jobengine.Handler{"export": noopHandler}), testConfig(), testLogger())
		_, err := svc.Purge(ctx, 30, false)
		Expect(err).To(MatchError(jobengine.ErrPurgeUnsupported))
	})
})
