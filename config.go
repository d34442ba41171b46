package jobqueue

import (
	"crypto/tls"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
)

// MaxPullLimit is the most jobs a single Pull may claim.
const MaxPullLimit = 100

type Config struct {
	////////////////////
	// WORKER SECTION //
	////////////////////

	// Number of jobs claimed per poll, and the number of handlers allowed to run at once.
	Concurrency int `env:"JOBQUEUE_CONCURRENCY"`

	// Attempts a job gets before it is marked Failed.
	MaxAttempts int `env:"JOBQUEUE_MAX_ATTEMPTS"`

	// Pause between poll iterations.
	PollInterval time.Duration `env:"JOBQUEUE_POLL_INTERVAL"`

	// Pause after a poll that failed against the store.
	PollErrorBackoff time.Duration `env:"JOBQUEUE_POLL_ERROR_BACKOFF"`

	// Upper bound on a single handler run. A handler that hits it is failed.
	HandlerTimeout time.Duration `env:"JOBQUEUE_HANDLER_TIMEOUT"`

	// Delay before the first retry of a failed job, doubled per further attempt.
	// Zero requeues failed jobs immediately.
	RetryBackoff time.Duration `env:"JOBQUEUE_RETRY_BACKOFF"`

	// Push a keep-alive job whenever a poll comes back empty.
	KeepAliveJobs bool `env:"JOBQUEUE_KEEP_ALIVE_JOBS"`

	// How far in the future keep-alive jobs are scheduled.
	KeepAliveDelay time.Duration `env:"JOBQUEUE_KEEP_ALIVE_DELAY"`

	/////////////////////////
	// MAINTENANCE SECTION //
	/////////////////////////

	// Running jobs untouched for longer than this are treated as orphaned by a dead worker.
	StaleThreshold time.Duration `env:"JOBQUEUE_STALE_THRESHOLD"`

	// Failed jobs are kept this long for inspection. Zero keeps them forever.
	FailedRetention time.Duration `env:"JOBQUEUE_FAILED_RETENTION"`

	OrphanSweepSchedule string `env:"JOBQUEUE_ORPHAN_SWEEP_SCHEDULE"`
	CleanUpSchedule     string `env:"JOBQUEUE_CLEAN_UP_SCHEDULE"`
	ReIndexSchedule     string `env:"JOBQUEUE_REINDEX_SCHEDULE"`

	/////////////////////
	// GENERAL SECTION //
	/////////////////////

	DSN string `env:"DATABASE_URL"`

	MaxConns int32 `env:"DB_MAX_CONNS"`

	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME"`

	// Log every SQL query.
	Debug bool `env:"DB_DEBUG"`

	TLSConfig *tls.Config

	MetricsAddr string `env:"METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL"`
	LogFormat   string `env:"LOG_FORMAT"`
}

type ConfigFunc func(c *Config)

func NewConfig(opts ...ConfigFunc) *Config {
	c := &Config{
		Concurrency:         50,
		MaxAttempts:         3,
		PollInterval:        125 * time.Millisecond,
		PollErrorBackoff:    500 * time.Millisecond,
		HandlerTimeout:      30 * time.Second,
		KeepAliveDelay:      5 * time.Second,
		StaleThreshold:      5 * time.Minute,
		FailedRetention:     7 * 24 * time.Hour,
		OrphanSweepSchedule: "*/5 * * * *",
		CleanUpSchedule:     "5 */7 * * *",
		ReIndexSchedule:     "5 0 * * *",
		MaxConns:            100,
		ConnMaxLifetime:     30 * time.Minute,
		MetricsAddr:         ":9090",
		LogLevel:            "info",
		LogFormat:           "json",
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// LoadConfig builds a Config from the defaults, overridden by environment variables.
func LoadConfig(opts ...ConfigFunc) (*Config, error) {
	c := NewConfig(opts...)
	if err := env.Parse(c); err != nil {
		return nil, &ConfigError{Field: "env", Reason: err.Error()}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the worker settings. The DSN is checked when a connection is opened.
func (c *Config) Validate() error {
	switch {
	case c.Concurrency < 1 || c.Concurrency > MaxPullLimit:
		return &ConfigError{Field: "Concurrency", Reason: "must be between 1 and 100"}
	case c.MaxAttempts < 1:
		return &ConfigError{Field: "MaxAttempts", Reason: "must be at least 1"}
	case c.PollInterval <= 0:
		return &ConfigError{Field: "PollInterval", Reason: "must be positive"}
	case c.PollErrorBackoff < 0:
		return &ConfigError{Field: "PollErrorBackoff", Reason: "must not be negative"}
	case c.HandlerTimeout <= 0:
		return &ConfigError{Field: "HandlerTimeout", Reason: "must be positive"}
	case c.RetryBackoff < 0:
		return &ConfigError{Field: "RetryBackoff", Reason: "must not be negative"}
	case c.StaleThreshold <= 0:
		return &ConfigError{Field: "StaleThreshold", Reason: "must be positive"}
	case c.HandlerTimeout >= c.StaleThreshold:
		// Otherwise the orphan sweep can requeue a job whose handler is still running.
		return &ConfigError{Field: "HandlerTimeout", Reason: "must be shorter than StaleThreshold"}
	case c.MaxConns < 1:
		return &ConfigError{Field: "MaxConns", Reason: "must be at least 1"}
	}

	schedules := map[string]string{
		"OrphanSweepSchedule": c.OrphanSweepSchedule,
		"CleanUpSchedule":     c.CleanUpSchedule,
		"ReIndexSchedule":     c.ReIndexSchedule,
	}
	for field, spec := range schedules {
		if _, err := cron.ParseStandard(spec); err != nil {
			return &ConfigError{Field: field, Reason: err.Error()}
		}
	}

	return nil
}

func WithConcurrency(n int) ConfigFunc {
	return func(c *Config) {
		c.Concurrency = n
	}
}

func WithMaxAttempts(n int) ConfigFunc {
	return func(c *Config) {
		c.MaxAttempts = n
	}
}

func WithPollInterval(interval time.Duration) ConfigFunc {
	return func(c *Config) {
		c.PollInterval = interval
	}
}

func WithPollErrorBackoff(backoff time.Duration) ConfigFunc {
	return func(c *Config) {
		c.PollErrorBackoff = backoff
	}
}

func WithHandlerTimeout(timeout time.Duration) ConfigFunc {
	return func(c *Config) {
		c.HandlerTimeout = timeout
	}
}

func WithRetryBackoff(backoff time.Duration) ConfigFunc {
	return func(c *Config) {
		c.RetryBackoff = backoff
	}
}

func WithKeepAliveJobs(enabled bool, delay time.Duration) ConfigFunc {
	return func(c *Config) {
		c.KeepAliveJobs = enabled
		c.KeepAliveDelay = delay
	}
}

func WithStaleThreshold(threshold time.Duration) ConfigFunc {
	return func(c *Config) {
		c.StaleThreshold = threshold
	}
}

func WithFailedRetention(retention time.Duration) ConfigFunc {
	return func(c *Config) {
		c.FailedRetention = retention
	}
}

func WithDSN(dsn string) ConfigFunc {
	return func(c *Config) {
		c.DSN = dsn
	}
}

func WithMaxConns(n int32) ConfigFunc {
	return func(c *Config) {
		c.MaxConns = n
	}
}

func WithConnMaxLifetime(lifetime time.Duration) ConfigFunc {
	return func(c *Config) {
		c.ConnMaxLifetime = lifetime
	}
}

func WithTLSConfig(tlsConfig *tls.Config) ConfigFunc {
	return func(c *Config) {
		c.TLSConfig = tlsConfig
	}
}

func WithDebug(debug bool) ConfigFunc {
	return func(c *Config) {
		c.Debug = debug
	}
}
