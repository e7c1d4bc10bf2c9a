package notifications

import "time"

// Config holds delivery policy. DefaultConfig returns the same values as envDefault.
type Config struct {
	MaxAttempts       int           `env:"NOTIFY_MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase       time.Duration `env:"NOTIFY_BACKOFF_BASE" envDefault:"5m"`
	BackoffCap        time.Duration `env:"NOTIFY_BACKOFF_CAP" envDefault:"60m"`
	SuppressionWindow time.Duration `env:"NOTIFY_SUPPRESSION_WINDOW" envDefault:"60m"`
	SkipAudit         bool          `env:"NOTIFY_SKIP_AUDIT" envDefault:"true"`
	AttemptTimeout    time.Duration `env:"NOTIFY_ATTEMPT_TIMEOUT" envDefault:"30s"`
	EnqueueLease      time.Duration `env:"NOTIFY_ENQUEUE_LEASE" envDefault:"10m"`
	StaleSendingAfter time.Duration `env:"NOTIFY_STALE_SENDING_AFTER" envDefault:"5m"`
	Retention         time.Duration `env:"NOTIFY_RETENTION" envDefault:"2160h"`
	SweepBatchSize    int           `env:"NOTIFY_SWEEP_BATCH_SIZE" envDefault:"500"`
	DigestLimit       int           `env:"NOTIFY_DIGEST_LIMIT" envDefault:"50"`
	DailyDigestCron   string        `env:"NOTIFY_DIGEST_DAILY_CRON" envDefault:"0 8 * * *"`
	WeeklyDigestCron  string        `env:"NOTIFY_DIGEST_WEEKLY_CRON" envDefault:"0 8 * * 1"`
	CleanupCron       string        `env:"NOTIFY_CLEANUP_CRON" envDefault:"30 3 * * *"`
	FeedBufferSize    int           `env:"NOTIFY_FEED_BUFFER_SIZE" envDefault:"32"`
	FeedMaxRecipients int           `env:"NOTIFY_FEED_MAX_RECIPIENTS" envDefault:"10000"`
}

// DefaultConfig returns the policy used when no environment is loaded.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       DefaultMaxAttempts,
		BackoffBase:       DefaultBackoffBase,
		BackoffCap:        DefaultBackoffCap,
		SuppressionWindow: DefaultSuppressionWindow,
		SkipAudit:         true,
		AttemptTimeout:    DefaultAttemptTimeout,
		EnqueueLease:      10 * time.Minute,
		StaleSendingAfter: 5 * time.Minute,
		Retention:         DefaultRetention,
		SweepBatchSize:    500,
		DigestLimit:       DefaultDigestLimit,
		DailyDigestCron:   "0 8 * * *",
		WeeklyDigestCron:  "0 8 * * 1",
		CleanupCron:       "30 3 * * *",
		FeedBufferSize:    32,
		FeedMaxRecipients: 10000,
	}
}

const (
	DefaultMaxAttempts       = 3
	DefaultBackoffBase       = 5 * time.Minute
	DefaultBackoffCap        = 60 * time.Minute
	DefaultSuppressionWindow = 60 * time.Minute
	DefaultAttemptTimeout    = 30 * time.Second
	DefaultRetention         = 90 * 24 * time.Hour
	DefaultDigestLimit       = 50

	// MaxResponseExcerpt bounds the diagnostic text stored on a delivery.
	MaxResponseExcerpt = 1000
)
