package queue

import "time"

// Config holds the engine-wide settings.
type Config struct {
	PollInterval       time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	HeartbeatInterval  time.Duration `env:"QUEUE_HEARTBEAT_INTERVAL" envDefault:"5s"`
	StallTimeout       time.Duration `env:"QUEUE_STALL_TIMEOUT" envDefault:"30s"`
	StallCheckInterval time.Duration `env:"QUEUE_STALL_CHECK_INTERVAL" envDefault:"15s"`
	SchedulerInterval  time.Duration `env:"QUEUE_SCHEDULER_INTERVAL" envDefault:"30s"`
	RetentionInterval  time.Duration `env:"QUEUE_RETENTION_INTERVAL" envDefault:"1m"`
	JobTimeout         time.Duration `env:"QUEUE_JOB_TIMEOUT" envDefault:"5m"`
	ShutdownTimeout    time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	DefaultConcurrency int           `env:"QUEUE_DEFAULT_CONCURRENCY" envDefault:"5"`
	RateLimit          int           `env:"QUEUE_RATE_LIMIT" envDefault:"10"`
	RateWindow         time.Duration `env:"QUEUE_RATE_WINDOW" envDefault:"1s"`
	EventBuffer        int           `env:"QUEUE_EVENT_BUFFER" envDefault:"256"`
	DefinitionsFile    string        `env:"QUEUE_DEFINITIONS_FILE"`
}

// DefaultConfig mirrors the envDefault tags for callers that do not load
// the environment.
func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		HeartbeatInterval:  5 * time.Second,
		StallTimeout:       30 * time.Second,
		StallCheckInterval: 15 * time.Second,
		SchedulerInterval:  30 * time.Second,
		RetentionInterval:  time.Minute,
		JobTimeout:         5 * time.Minute,
		ShutdownTimeout:    30 * time.Second,
		DefaultConcurrency: 5,
		RateLimit:          10,
		RateWindow:         time.Second,
		EventBuffer:        256,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&c.PollInterval, d.PollInterval)
	fill(&c.HeartbeatInterval, d.HeartbeatInterval)
	fill(&c.StallTimeout, d.StallTimeout)
	fill(&c.StallCheckInterval, d.StallCheckInterval)
	fill(&c.SchedulerInterval, d.SchedulerInterval)
	fill(&c.RetentionInterval, d.RetentionInterval)
	fill(&c.JobTimeout, d.JobTimeout)
	fill(&c.ShutdownTimeout, d.ShutdownTimeout)
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = d.DefaultConcurrency
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}
