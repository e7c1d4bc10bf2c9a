package engine

import (
	"time"

	"github.com/dmitrymomot/notifykit/pkg/email"
	"github.com/dmitrymomot/notifykit/pkg/httpserver"
	"github.com/dmitrymomot/notifykit/pkg/notifications"
	"github.com/dmitrymomot/notifykit/pkg/pg"
	"github.com/dmitrymomot/notifykit/pkg/queue"
	"github.com/dmitrymomot/notifykit/pkg/redis"
)

// Config is the full notifyd configuration, loaded from the environment.
type Config struct {
	Env         string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"notifyd"`

	// MemoryBackends runs without Postgres and Redis. Single process only.
	MemoryBackends bool `env:"NOTIFY_MEMORY_BACKENDS" envDefault:"false"`

	Channels ChannelConfig

	HTTP   httpserver.Config
	PG     pg.Config
	Redis  redis.Config
	Email  email.Config
	Queue  queue.Config
	Notify notifications.Config
}

// ChannelConfig sizes the per-channel worker pools. A zero rate disables limiting.
type ChannelConfig struct {
	InAppConcurrency   int     `env:"NOTIFY_INAPP_CONCURRENCY" envDefault:"8"`
	EmailConcurrency   int     `env:"NOTIFY_EMAIL_CONCURRENCY" envDefault:"4"`
	EmailRate          float64 `env:"NOTIFY_EMAIL_RATE" envDefault:"10"`
	EmailBurst         int     `env:"NOTIFY_EMAIL_BURST" envDefault:"5"`
	WebhookConcurrency int     `env:"NOTIFY_WEBHOOK_CONCURRENCY" envDefault:"8"`
	WebhookRate        float64 `env:"NOTIFY_WEBHOOK_RATE" envDefault:"20"`
	WebhookBurst       int     `env:"NOTIFY_WEBHOOK_BURST" envDefault:"10"`

	// Webhook endpoints that keep failing are short-circuited for CircuitRecovery.
	// At most CircuitMaxEndpoints breakers are kept, least recently used first out.
	CircuitFailures     int           `env:"NOTIFY_WEBHOOK_CIRCUIT_FAILURES" envDefault:"5"`
	CircuitSuccesses    int           `env:"NOTIFY_WEBHOOK_CIRCUIT_SUCCESSES" envDefault:"2"`
	CircuitRecovery     time.Duration `env:"NOTIFY_WEBHOOK_CIRCUIT_RECOVERY" envDefault:"1m"`
	CircuitMaxEndpoints int           `env:"NOTIFY_WEBHOOK_CIRCUIT_MAX_ENDPOINTS" envDefault:"10000"`
}

type pool struct {
	concurrency int
	rate        float64
	burst       int
}

func (c ChannelConfig) pool(ch notifications.Channel) pool {
	switch ch {
	case notifications.ChannelEmail:
		return pool{concurrency: c.EmailConcurrency, rate: c.EmailRate, burst: c.EmailBurst}
	case notifications.ChannelWebhook:
		return pool{concurrency: c.WebhookConcurrency, rate: c.WebhookRate, burst: c.WebhookBurst}
	default:
		return pool{concurrency: c.InAppConcurrency}
	}
}
