package redis

import "time"

type Config struct {
	ConnectionURL  string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"` // ConnectionURL in the form "redis://:password@localhost:6379/0".
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`             // RetryAttempts is the number of attempts to reach the server.
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`            // RetryInterval is the wait between attempts.
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`          // ConnectTimeout bounds the whole connection procedure.
	KeyPrefix      string        `env:"REDIS_KEY_PREFIX" envDefault:"notifykit:"`        // KeyPrefix namespaces every key written by this service.
}
