package worker

import (
	"flag"
	"time"

	"github.com/grafana/dskit/backoff"
)

type Config struct {
	// Workers is the pool size.
	Workers int `yaml:"workers"`

	// BatchSize bounds how many queued readings one iteration drains.
	BatchSize int `yaml:"batch_size"`

	// PopTimeout is how long the blocking pop waits for the first item.
	// Short enough that workers observe shutdown promptly.
	PopTimeout time.Duration `yaml:"pop_timeout"`

	// MaxRetries bounds delivery attempts before a record dead-letters.
	MaxRetries int `yaml:"max_retries"`

	LockAcquireTimeout time.Duration `yaml:"lock_acquire_timeout"`
	LockHoldTimeout    time.Duration `yaml:"lock_hold_timeout"`

	// Backoff paces a worker whose iterations keep failing against the
	// store.
	Backoff backoff.Config `yaml:"backoff"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Workers, prefix+".workers", 4, "Number of background workers draining the reading queue.")
	f.IntVar(&cfg.BatchSize, prefix+".batch-size", 100, "Maximum readings drained per worker iteration.")
	f.IntVar(&cfg.MaxRetries, prefix+".max-retries", 3, "Delivery attempts before a reading is dead-lettered.")

	cfg.PopTimeout = time.Second
	cfg.LockAcquireTimeout = 3 * time.Second
	cfg.LockHoldTimeout = 5 * time.Second
	cfg.Backoff = backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		MaxRetries: 0,
	}
}
