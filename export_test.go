package jobengine

import "time"

// Clock hooks for tests.

func NewProgressReporterWithClock(store *JobStore, job *Job, interval time.Duration, step int, now func() time.Time) *ProgressReporter {
	return newProgressReporter(store, job, interval, step, now)
}

func SetInMemoryClock(b *InMemoryBackend, now func() time.Time) { b.now = now }

func SetLeaseClock(l *MemoryLeases, now func() time.Time) { l.now = now }

func SetSweepClock(s *RecoverySweep, now func() time.Time) { s.now = now }

func SetPurgerClock(p *Purger, now func() time.Time) { p.now = now }

var ErrorStackTrace = errorStackTrace

func ConfigWithDefaults(c *Config) *Config { return c.withDefaults() }

func SetSQLMaxAttempts(b *SQLBackend, n int) { b.maxAttempts = n }
