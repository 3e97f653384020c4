package jobengine

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents engine configuration.
type Config struct {
	// Broker connection URL: redis://, amqp:// or "memory" (default: "memory").
	BrokerURL string

	// Job store location: a BadgerDB directory, a SQLite file or a
	// postgres:// DSN. Empty means in-memory.
	StorePath string

	// Hard limit for one handler attempt (default: 1 hour). An attempt over
	// the limit is abandoned and left to the recovery sweep.
	TaskTimeLimit time.Duration

	// Retry budget of jobs submitted without an explicit one (default: 3).
	// Zero is a valid budget: such jobs are never retried.
	MaxRetries int

	// Backoff base and cap (default: 1s, uncapped). A zero base means the
	// default; a zero cap means uncapped.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Number of consumer goroutines per worker service (default: 4).
	Concurrency int

	// How often a running attempt renews its lease and re-reads its job
	// (default: 10s).
	HeartbeatInterval time.Duration

	// Lease TTL of an in-flight delivery (default: 30s). Must exceed
	// HeartbeatInterval.
	LeaseTTL time.Duration

	// A PROCESSING job without a write for this long is checked for a dead
	// worker (default: 5 minutes).
	LivenessThreshold time.Duration

	// Recovery sweep period (default: 1 minute).
	SweepInterval time.Duration

	// Progress throttling (default: 1s or 5 points).
	ProgressInterval time.Duration
	ProgressStep     int

	// Trash purge period and retention (default: 1 day, 30 days).
	// A zero PurgeInterval disables the periodic purge.
	PurgeInterval      time.Duration
	TrashRetentionDays int
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		BrokerURL:          "memory",
		TaskTimeLimit:      time.Hour,
		MaxRetries:         3,
		BackoffBase:        time.Second,
		BackoffMax:         0,
		Concurrency:        4,
		HeartbeatInterval:  10 * time.Second,
		LeaseTTL:           30 * time.Second,
		LivenessThreshold:  5 * time.Minute,
		SweepInterval:      time.Minute,
		ProgressInterval:   time.Second,
		ProgressStep:       5,
		PurgeInterval:      24 * time.Hour,
		TrashRetentionDays: 30,
	}
}

// LoadConfig loads engine configuration from environment variables.
// When envFiles are given they are loaded first with godotenv; variables
// already present in the environment win. Missing files are ignored.
// It reads the following environment variables:
//   - JOBENGINE_BROKER_URL
//   - JOBENGINE_STORE_PATH
//   - JOBENGINE_TASK_TIME_LIMIT
//   - JOBENGINE_MAX_RETRIES
//   - JOBENGINE_BACKOFF_BASE, JOBENGINE_BACKOFF_MAX
//   - JOBENGINE_CONCURRENCY
//   - JOBENGINE_HEARTBEAT_INTERVAL, JOBENGINE_LEASE_TTL
//   - JOBENGINE_LIVENESS_THRESHOLD, JOBENGINE_SWEEP_INTERVAL
//   - JOBENGINE_PROGRESS_INTERVAL, JOBENGINE_PROGRESS_STEP
//   - JOBENGINE_PURGE_INTERVAL, JOBENGINE_TRASH_RETENTION_DAYS
//
// Duration values can be specified as:
//   - Integer number of seconds (e.g., "30" = 30 seconds)
//   - Duration string (e.g., "1m", "1h30m")
//
// Unset or unparsable variables keep their defaults.
func LoadConfig(envFiles ...string) *Config {
	for _, file := range envFiles {
		_ = godotenv.Load(file)
	}

	def := DefaultConfig()
	return &Config{
		BrokerURL:          getEnvString("JOBENGINE_BROKER_URL", def.BrokerURL),
		StorePath:          getEnvString("JOBENGINE_STORE_PATH", def.StorePath),
		TaskTimeLimit:      getEnvDuration("JOBENGINE_TASK_TIME_LIMIT", def.TaskTimeLimit),
		MaxRetries:         getEnvInt("JOBENGINE_MAX_RETRIES", def.MaxRetries),
		BackoffBase:        getEnvDuration("JOBENGINE_BACKOFF_BASE", def.BackoffBase),
		BackoffMax:         getEnvDuration("JOBENGINE_BACKOFF_MAX", def.BackoffMax),
		Concurrency:        getEnvInt("JOBENGINE_CONCURRENCY", def.Concurrency),
		HeartbeatInterval:  getEnvDuration("JOBENGINE_HEARTBEAT_INTERVAL", def.HeartbeatInterval),
		LeaseTTL:           getEnvDuration("JOBENGINE_LEASE_TTL", def.LeaseTTL),
		LivenessThreshold:  getEnvDuration("JOBENGINE_LIVENESS_THRESHOLD", def.LivenessThreshold),
		SweepInterval:      getEnvDuration("JOBENGINE_SWEEP_INTERVAL", def.SweepInterval),
		ProgressInterval:   getEnvDuration("JOBENGINE_PROGRESS_INTERVAL", def.ProgressInterval),
		ProgressStep:       getEnvInt("JOBENGINE_PROGRESS_STEP", def.ProgressStep),
		PurgeInterval:      getEnvDuration("JOBENGINE_PURGE_INTERVAL", def.PurgeInterval),
		TrashRetentionDays: getEnvInt("JOBENGINE_TRASH_RETENTION_DAYS", def.TrashRetentionDays),
	}
}

// withDefaults fills zero or invalid fields from DefaultConfig. A zero
// MaxRetries, BackoffMax, TaskTimeLimit or PurgeInterval is kept: no retries,
// no cap, no limit, no periodic purge.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.BrokerURL == "" {
		out.BrokerURL = def.BrokerURL
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = def.MaxRetries
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = def.BackoffBase
	}
	if out.Concurrency <= 0 {
		out.Concurrency = def.Concurrency
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = def.HeartbeatInterval
	}
	if out.LeaseTTL <= out.HeartbeatInterval {
		out.LeaseTTL = 3 * out.HeartbeatInterval
	}
	if out.LivenessThreshold <= 0 {
		out.LivenessThreshold = def.LivenessThreshold
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = def.SweepInterval
	}
	if out.ProgressInterval <= 0 {
		out.ProgressInterval = def.ProgressInterval
	}
	if out.ProgressStep <= 0 {
		out.ProgressStep = def.ProgressStep
	}
	if out.TrashRetentionDays <= 0 {
		out.TrashRetentionDays = def.TrashRetentionDays
	}
	return &out
}

func getEnvString(key string, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		// Try parsing as duration string (e.g., "90s", "1h30m")
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
