package jobengine_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/VsevolodSauta/jobengine"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BadgerBackend", func() {
	StoreTestSuite(func() (jobengine.Backend, func()) {
		tmpDir, err := os.MkdirTemp("", "jobengine_badger_*")
		Expect(err).NotTo(HaveOccurred())

		backend, err := jobengine.NewBadgerBackend(tmpDir, testLogger())
		Expect(err).NotTo(HaveOccurred())

		return backend, func() {
			_ = backend.Close()
			_ = os.RemoveAll(tmpDir)
		}
	})

	Describe("status indexing", func() {
		It("should keep the status index in step with 100+ transitions", func() {
			tmpDir, err := os.MkdirTemp("", "jobengine_badger_index_*")
			Expect(err).NotTo(HaveOccurred())

			backend, err := jobengine.NewBadgerBackend(tmpDir, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer func() {
				_ = backend.Close()
				_ = os.RemoveAll(tmpDir)
			}()

			ctx := context.Background()
			totalJobs := 136
			for i := 0; i < totalJobs; i++ {
				id := fmt.Sprintf("job-%03d", i)
				Expect(backend.InsertJob(ctx, newPendingJob(id))).To(Succeed())
				if i%2 == 0 {
					startJob(ctx, backend, id, "token-"+id)
				}
			}

			processing, err := backend.ListJobsByStatus(ctx, jobengine.JobStatusProcessing, time.Time{})
			Expect(err).NotTo(HaveOccurred())
			Expect(processing).To(HaveLen(totalJobs / 2))

			pending, err := backend.ListJobsByStatus(ctx, jobengine.JobStatusPending, time.Time{})
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(totalJobs / 2))
		})

		It("should keep jobs across reopen", func() {
			tmpDir, err := os.MkdirTemp("", "jobengine_badger_reopen_*")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(tmpDir)

			ctx := context.Background()
			backend, err := jobengine.NewBadgerBackend(tmpDir, testLogger())
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.InsertJob(ctx, newPendingJob("job-1"))).To(Succeed())
			startJob(ctx, backend, "job-1", "t1")
			Expect(backend.Close()).To(Succeed())

			backend, err = jobengine.NewBadgerBackend(tmpDir, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer backend.Close()

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(jobengine.JobStatusProcessing))
			Expect(job.DispatchToken).To(Equal("t1"))
		})
	})
})
