package queue

import "time"

// Config holds the configuration for the task queue
type Config struct {
	PollInterval       time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	LockTimeout        time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"2m"`
	MaxConcurrentTasks int           `env:"QUEUE_MAX_CONCURRENT_TASKS" envDefault:"10"`
	CheckInterval      time.Duration `env:"QUEUE_SCHEDULER_CHECK_INTERVAL" envDefault:"15s"`

	// RatePerSecond limits how many tasks a single worker starts per second. Zero disables the limit.
	RatePerSecond float64 `env:"QUEUE_RATE_PER_SECOND" envDefault:"0"`
	RateBurst     int     `env:"QUEUE_RATE_BURST" envDefault:"1"`
}

// Worker returns a WorkerConfig for queues sized from c.
func (c Config) Worker(queues ...string) WorkerConfig {
	return WorkerConfig{
		Queues:        queues,
		PollInterval:  c.PollInterval,
		LockTimeout:   c.LockTimeout,
		Concurrency:   c.MaxConcurrentTasks,
		RatePerSecond: c.RatePerSecond,
		RateBurst:     c.RateBurst,
	}
}
