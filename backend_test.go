package jobengine_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VsevolodSauta/jobengine"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// testLogger creates a logger for tests (discards output)
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}))
}

func newPendingJob(id string) *jobengine.Job {
	return &jobengine.Job{
		ID:         id,
		Kind:       "export",
		Status:     jobengine.JobStatusPending,
		MaxRetries: 3,
		Options:    []byte(`{"table_id":7}`),
		OwnerID:    "user-1",
	}
}

// startJob assigns token to a pending job and moves it to PROCESSING.
func startJob(ctx context.Context, backend jobengine.Backend, id, token string) *jobengine.Job {
	_, err := backend.TransitionJob(ctx, id,
		[]jobengine.JobStatus{jobengine.JobStatusPending}, jobengine.JobStatusPending,
		jobengine.Update{DispatchToken: &token})
	Expect(err).NotTo(HaveOccurred())

	job, err := backend.TransitionJob(ctx, id,
		[]jobengine.JobStatus{jobengine.JobStatusPending}, jobengine.JobStatusProcessing,
		jobengine.Update{ExpectedToken: token})
	Expect(err).NotTo(HaveOccurred())
	return job
}

func ptr[T any](v T) *T { return &v }

var processingOnly = []jobengine.JobStatus{jobengine.JobStatusProcessing}

// StoreTestSuite runs the storage contract against a Backend implementation
func StoreTestSuite(backendFactory func() (jobengine.Backend, func())) {
	var backend jobengine.Backend
	var cleanup func()
	var ctx context.Context

	BeforeEach(func() {
		backend, cleanup = backendFactory()
		ctx = context.Background()
	})

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	Describe("InsertJob", func() {
		It("should store a job in its zero state", func() {
			job := newPendingJob("job-1")
			job.Progress = 40
			job.RetryCount = 2
			Expect(backend.InsertJob(ctx, job)).To(Succeed())

			stored, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Kind).To(Equal("export"))
			Expect(stored.Status).To(Equal(jobengine.JobStatusPending))
			Expect(stored.Options).To(Equal([]byte(`{"table_id":7}`)))
			Expect(stored.OwnerID).To(Equal("user-1"))
			Expect(stored.MaxRetries).To(Equal(3))
			Expect(stored.Progress).To(Equal(0))
			Expect(stored.RetryCount).To(Equal(0))
			Expect(stored.StartedAt).To(BeNil())
			Expect(stored.CompletedAt).To(BeNil())
			Expect(stored.CreatedAt).NotTo(BeZero())
		})

		It("should reject a duplicate job ID", func() {
			Expect(backend.InsertJob(ctx, newPendingJob("job-1"))).To(Succeed())
			err := backend.InsertJob(ctx, newPendingJob("job-1"))
			Expect(errors.Is(err, jobengine.ErrJobExists)).To(BeTrue())
		})

		It("should reject a nil job", func() {
			Expect(backend.InsertJob(ctx, nil)).NotTo(Succeed())
		})

		It("should reject an empty job ID", func() {
			err := backend.InsertJob(ctx, newPendingJob(""))
			var validation *jobengine.ValidationError
			Expect(errors.As(err, &validation)).To(BeTrue())
		})

		It("should reject a job that is not pending", func() {
			job := newPendingJob("job-1")
			job.Status = jobengine.JobStatusProcessing
			Expect(backend.InsertJob(ctx, job)).NotTo(Succeed())
		})

		It("should reject a negative retry budget", func() {
			job := newPendingJob("job-1")
			job.MaxRetries = -1
			Expect(backend.InsertJob(ctx, job)).NotTo(Succeed())
		})
	})

	Describe("GetJob", func() {
		It("should return ErrJobNotFound for an unknown ID", func() {
			_, err := backend.GetJob(ctx, "missing")
			Expect(errors.Is(err, jobengine.ErrJobNotFound)).To(BeTrue())
		})
	})

	Describe("TransitionJob", func() {
		BeforeEach(func() {
			Expect(backend.InsertJob(ctx, newPendingJob("job-1"))).To(Succeed())
		})

		It("should set started_at on the first processing entry only", func() {
			job := startJob(ctx, backend, "job-1", "t1")
			Expect(job.Status).To(Equal(jobengine.JobStatusProcessing))
			Expect(job.StartedAt).NotTo(BeNil())
			startedAt := *job.StartedAt

			_, err := backend.TransitionJob(ctx, "job-1", processingOnly, jobengine.JobStatusRetrying,
				jobengine.Update{ExpectedToken: "t1", IncrementRetry: true, ErrorMessage: ptr("boom")})
			Expect(err).NotTo(HaveOccurred())

			_, err = backend.TransitionJob(ctx, "job-1",
				[]jobengine.JobStatus{jobengine.JobStatusRetrying}, jobengine.JobStatusRetrying,
				jobengine.Update{DispatchToken: ptr("t2")})
			Expect(err).NotTo(HaveOccurred())

			job, err = backend.TransitionJob(ctx, "job-1",
				[]jobengine.JobStatus{jobengine.JobStatusRetrying}, jobengine.JobStatusProcessing,
				jobengine.Update{ExpectedToken: "t2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.StartedAt.Equal(startedAt)).To(BeTrue())
			Expect(job.RetryCount).To(Equal(1))
			Expect(job.ErrorMessage).To(Equal("boom"))
		})

		It("should fail with a conflict when the status is not expected", func() {
			_, err := backend.TransitionJob(ctx, "job-1", processingOnly, jobengine.JobStatusCompleted, jobengine.Update{})
			Expect(errors.Is(err, jobengine.ErrConflict)).To(BeTrue())

			var conflict *jobengine.ConflictError
			Expect(errors.As(err, &conflict)).To(BeTrue())
			Expect(conflict.Actual).To(Equal(jobengine.JobStatusPending))
		})

		It("should fail with a conflict when the dispatch token was superseded", func() {
			startJob(ctx, backend, "job-1", "t1")
			_, err := backend.TransitionJob(ctx, "job-1", processingOnly, jobengine.JobStatusFailed,
				jobengine.Update{ExpectedToken: "stale"})
			Expect(errors.Is(err, jobengine.ErrConflict)).To(BeTrue())

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(jobengine.JobStatusProcessing))
		})

		It("should reject moves outside the status graph", func() {
			_, err := backend.TransitionJob(ctx, "job-1",
				[]jobengine.JobStatus{jobengine.JobStatusPending}, jobengine.JobStatusRetrying, jobengine.Update{})
			Expect(errors.Is(err, jobengine.ErrInvalidTransition)).To(BeTrue())
		})

		It("should accept no change once terminal", func() {
			_, err := backend.TransitionJob(ctx, "job-1",
				[]jobengine.JobStatus{jobengine.JobStatusPending}, jobengine.JobStatusCancelled, jobengine.Update{})
			Expect(err).NotTo(HaveOccurred())

			for _, next := range []jobengine.JobStatus{
				jobengine.JobStatusPending,
				jobengine.JobStatusProcessing,
				jobengine.JobStatusCancelled,
				jobengine.JobStatusFailed,
			} {
				_, err := backend.TransitionJob(ctx, "job-1",
					[]jobengine.JobStatus{jobengine.JobStatusCancelled}, next, jobengine.Update{})
				Expect(errors.Is(err, jobengine.ErrInvalidTransition)).To(BeTrue(), "next=%s", next)
			}

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(jobengine.JobStatusCancelled))
			Expect(job.CompletedAt).NotTo(BeNil())
		})

		It("should require progress 100 for completion and record the result", func() {
			startJob(ctx, backend, "job-1", "t1")

			_, err := backend.TransitionJob(ctx, "job-1", processingOnly, jobengine.JobStatusCompleted,
				jobengine.Update{ExpectedToken: "t1", Result: []byte("r")})
			var validation *jobengine.ValidationError
			Expect(errors.As(err, &validation)).To(BeTrue())

			job, err := backend.TransitionJob(ctx, "job-1", processingOnly, jobengine.JobStatusCompleted,
				jobengine.Update{ExpectedToken: "t1", Progress: ptr(100), Result: []byte("r")})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Progress).To(Equal(100))
			Expect(job.Result).To(Equal([]byte("r")))
			Expect(job.CompletedAt).NotTo(BeNil())
		})

		It("should only write the result on completion", func() {
			startJob(ctx, backend, "job-1", "t1")
			_, err := backend.TransitionJob(ctx, "job-1", processingOnly, jobengine.JobStatusFailed,
				jobengine.Update{ExpectedToken: "t1", Result: []byte("r")})
			Expect(err).To(HaveOccurred())
		})

		It("should never let retry_count exceed max_retries", func() {
			job := newPendingJob("job-2")
			job.MaxRetries = 1
			Expect(backend.InsertJob(ctx, job)).To(Succeed())

			startJob(ctx, backend, "job-2", "t1")
			_, err := backend.TransitionJob(ctx, "job-2", processingOnly, jobengine.JobStatusRetrying,
				jobengine.Update{ExpectedToken: "t1", IncrementRetry: true})
			Expect(err).NotTo(HaveOccurred())

			_, err = backend.TransitionJob(ctx, "job-2",
				[]jobengine.JobStatus{jobengine.JobStatusRetrying}, jobengine.JobStatusProcessing, jobengine.Update{})
			Expect(err).NotTo(HaveOccurred())

			_, err = backend.TransitionJob(ctx, "job-2", processingOnly, jobengine.JobStatusRetrying,
				jobengine.Update{IncrementRetry: true})
			Expect(errors.Is(err, jobengine.ErrRetryBudgetExhausted)).To(BeTrue())

			stored, err := backend.GetJob(ctx, "job-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.RetryCount).To(Equal(1))
			Expect(stored.Status).To(Equal(jobengine.JobStatusProcessing))
		})

		It("should let exactly one of many concurrent acquirers win", func() {
			token := "t1"
			_, err := backend.TransitionJob(ctx, "job-1",
				[]jobengine.JobStatus{jobengine.JobStatusPending}, jobengine.JobStatusPending,
				jobengine.Update{DispatchToken: &token})
			Expect(err).NotTo(HaveOccurred())

			var wins, conflicts atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := backend.TransitionJob(ctx, "job-1",
						[]jobengine.JobStatus{jobengine.JobStatusPending, jobengine.JobStatusRetrying},
						jobengine.JobStatusProcessing, jobengine.Update{ExpectedToken: token})
					if err == nil {
						wins.Add(1)
					} else if errors.Is(err, jobengine.ErrConflict) {
						conflicts.Add(1)
					}
				}()
			}
			wg.Wait()
			Expect(wins.Load()).To(Equal(int32(1)))
			Expect(conflicts.Load()).To(Equal(int32(19)))
		})
	})

	Describe("UpdateProgress", func() {
		BeforeEach(func() {
			Expect(backend.InsertJob(ctx, newPendingJob("job-1"))).To(Succeed())
		})

		It("should never move progress backward", func() {
			startJob(ctx, backend, "job-1", "t1")
			Expect(backend.UpdateProgress(ctx, "job-1", "t1", jobengine.ProgressUpdate{Progress: 60})).To(Succeed())
			Expect(backend.UpdateProgress(ctx, "job-1", "t1", jobengine.ProgressUpdate{Progress: 30})).To(Succeed())

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Progress).To(Equal(60))
		})

		It("should store item counters", func() {
			startJob(ctx, backend, "job-1", "t1")
			Expect(backend.UpdateProgress(ctx, "job-1", "t1", jobengine.ProgressUpdate{
				Progress: 50, ProcessedItems: ptr(4), FailedItems: ptr(1),
			})).To(Succeed())

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ProcessedItems).To(Equal(4))
			Expect(job.FailedItems).To(Equal(1))
		})

		It("should reject writes from a superseded attempt", func() {
			startJob(ctx, backend, "job-1", "t1")
			err := backend.UpdateProgress(ctx, "job-1", "zombie", jobengine.ProgressUpdate{Progress: 10})
			Expect(errors.Is(err, jobengine.ErrConflict)).To(BeTrue())
		})

		It("should reject writes when the job is not processing", func() {
			err := backend.UpdateProgress(ctx, "job-1", "", jobengine.ProgressUpdate{Progress: 10})
			Expect(errors.Is(err, jobengine.ErrConflict)).To(BeTrue())
		})

		It("should reject values outside 0..100", func() {
			startJob(ctx, backend, "job-1", "t1")
			err := backend.UpdateProgress(ctx, "job-1", "t1", jobengine.ProgressUpdate{Progress: 101})
			var validation *jobengine.ValidationError
			Expect(errors.As(err, &validation)).To(BeTrue())
		})
	})

	Describe("ListJobsByStatus", func() {
		It("should return jobs of the status last updated before the cutoff, oldest first", func() {
			for i := 1; i <= 3; i++ {
				Expect(backend.InsertJob(ctx, newPendingJob(fmt.Sprintf("job-%d", i)))).To(Succeed())
			}
			startJob(ctx, backend, "job-1", "t1")
			time.Sleep(5 * time.Millisecond)
			startJob(ctx, backend, "job-2", "t2")
			time.Sleep(5 * time.Millisecond)
			cutoff := time.Now()
			time.Sleep(5 * time.Millisecond)
			startJob(ctx, backend, "job-3", "t3")

			stale, err := backend.ListJobsByStatus(ctx, jobengine.JobStatusProcessing, cutoff)
			Expect(err).NotTo(HaveOccurred())
			Expect(stale).To(HaveLen(2))
			Expect(stale[0].ID).To(Equal("job-1"))
			Expect(stale[1].ID).To(Equal("job-2"))

			all, err := backend.ListJobsByStatus(ctx, jobengine.JobStatusProcessing, time.Time{})
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(3))

			pending, err := backend.ListJobsByStatus(ctx, jobengine.JobStatusPending, time.Time{})
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())
		})
	})

	Describe("trash", func() {
		var trash jobengine.TrashBackend

		BeforeEach(func() {
			var ok bool
			trash, ok = backend.(jobengine.TrashBackend)
			if !ok {
				Skip("backend keeps no trash")
			}
		})

		put := func(id string, age time.Duration) {
			Expect(trash.PutTrash(ctx, &jobengine.TrashEntry{
				ID:         id,
				EntityType: "record",
				EntityID:   "rec-" + id,
				Payload:    []byte(`{"name":"x"}`),
				DeletedAt:  time.Now().Add(-age),
				DeletedBy:  "user-1",
			})).To(Succeed())
		}

		It("should store and return entries", func() {
			put("old", 2*time.Hour)
			put("new", time.Hour)

			entry, err := trash.GetTrash(ctx, "old")
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.EntityID).To(Equal("rec-old"))
			Expect(entry.Payload).To(Equal([]byte(`{"name":"x"}`)))

			entries, err := trash.ListTrash(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].ID).To(Equal("old"))

			_, err = trash.GetTrash(ctx, "missing")
			Expect(errors.Is(err, jobengine.ErrTrashNotFound)).To(BeTrue())
		})

		It("should purge only entries deleted before the cutoff", func() {
			put("a", 35*24*time.Hour)
			put("b", 31*24*time.Hour)
			put("c", 5*24*time.Hour)
			cutoff := time.Now().Add(-30 * 24 * time.Hour)

			n, err := trash.PurgeTrash(ctx, cutoff, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
			entries, err := trash.ListTrash(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(3))

			n, err = trash.PurgeTrash(ctx, cutoff, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
			entries, err = trash.ListTrash(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].ID).To(Equal("c"))
		})
	})
}

var _ = Describe("InMemoryBackend", func() {
	StoreTestSuite(func() (jobengine.Backend, func()) {
		backend := jobengine.NewInMemoryBackend()
		return backend, func() { _ = backend.Close() }
	})

	It("should refuse operations once closed", func() {
		backend := jobengine.NewInMemoryBackend()
		Expect(backend.Close()).To(Succeed())
		_, err := backend.GetJob(context.Background(), "job-1")
		Expect(errors.Is(err, jobengine.ErrBackendClosed)).To(BeTrue())
	})
})
