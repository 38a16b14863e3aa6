package redis

import "time"

// Config describes the optional Redis connection used for cross-process
// events and shared rate limits. An empty ConnectionURL disables Redis.
type Config struct {
	// ConnectionURL in the form "redis://:password@localhost:6379/0".
	ConnectionURL string `env:"REDIS_URL"`
	// EventsChannel is the pub/sub channel carrying job events.
	EventsChannel string `env:"REDIS_EVENTS_CHANNEL" envDefault:"jobengine:events"`
	// LimiterPrefix namespaces the shared rate limiter keys.
	LimiterPrefix string `env:"REDIS_LIMITER_PREFIX" envDefault:"jobengine:limit"`

	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
}

// Enabled reports whether a connection URL is configured.
func (c Config) Enabled() bool { return c.ConnectionURL != "" }
