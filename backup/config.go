package backup

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Config tunes the orchestrator. Zero fields take the values of DefaultConfig.
type Config struct {
	// FolderName is the canonical remote folder for all backups.
	FolderName string

	// SyncAttemptTimeout bounds the in-request write attempt of CreateBackup.
	SyncAttemptTimeout time.Duration

	// PollInterval is how often the retry worker looks for due jobs.
	PollInterval time.Duration

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64

	// MaxAttempts is the number of failed attempts after which a job is marked failed.
	MaxAttempts int

	// QueueCapacity bounds queued plus in-flight jobs.
	QueueCapacity int

	// ReadinessRetryInterval spaces re-authentication attempts while not ready.
	ReadinessRetryInterval time.Duration

	// QuotaRecheckInterval spaces quota checks while backups are paused.
	QuotaRecheckInterval time.Duration

	// ShutdownDrainTimeout bounds the final drain pass.
	ShutdownDrainTimeout time.Duration

	// FailedHistory is how many terminally failed jobs are kept for inspection.
	FailedHistory int

	// StoredHistory is how many stored tokens are remembered for deduplication.
	StoredHistory int

	Clock clock.Clock
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FolderName:             "CoachingInstituteTests",
		SyncAttemptTimeout:     5 * time.Second,
		PollInterval:           time.Second,
		InitialBackoff:         2 * time.Second,
		MaxBackoff:             5 * time.Minute,
		BackoffMultiplier:      2,
		BackoffJitter:          0.2,
		MaxAttempts:            8,
		QueueCapacity:          1024,
		ReadinessRetryInterval: 15 * time.Second,
		QuotaRecheckInterval:   10 * time.Minute,
		ShutdownDrainTimeout:   10 * time.Second,
		FailedHistory:          100,
		StoredHistory:          4096,
		Clock:                  clock.New(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FolderName == "" {
		c.FolderName = def.FolderName
	}
	if c.SyncAttemptTimeout <= 0 {
		c.SyncAttemptTimeout = def.SyncAttemptTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = def.BackoffJitter
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.ReadinessRetryInterval <= 0 {
		c.ReadinessRetryInterval = def.ReadinessRetryInterval
	}
	if c.QuotaRecheckInterval <= 0 {
		c.QuotaRecheckInterval = def.QuotaRecheckInterval
	}
	if c.ShutdownDrainTimeout <= 0 {
		c.ShutdownDrainTimeout = def.ShutdownDrainTimeout
	}
	if c.FailedHistory <= 0 {
		c.FailedHistory = def.FailedHistory
	}
	if c.StoredHistory <= 0 {
		c.StoredHistory = def.StoredHistory
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	return c
}
