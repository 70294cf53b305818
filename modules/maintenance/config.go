package maintenance

import (
	"flag"
	"time"
)

type Config struct {
	// Duration is both the maintenance window length and the flag TTL, so
	// a crashed driver can never leave the system locked out.
	Duration time.Duration `yaml:"duration"`

	// KeepDays bounds history retention; the trim stage drops records
	// older than now - KeepDays days.
	KeepDays int `yaml:"keep_days"`

	// Schedule optionally self-triggers maintenance on a cron expression,
	// e.g. "30 2 * * *". Empty leaves only the HTTP trigger.
	Schedule string `yaml:"schedule"`

	// RollupConcurrency bounds the parallel per-meter scans of the rollup
	// and trim stages.
	RollupConcurrency int `yaml:"rollup_concurrency"`

	LockAcquireTimeout time.Duration `yaml:"lock_acquire_timeout"`
	LockHoldTimeout    time.Duration `yaml:"lock_hold_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.Duration, prefix+".duration", 60*time.Second, "Maintenance window length and flag TTL.")
	f.IntVar(&cfg.KeepDays, prefix+".keep-days", 365, "History retention in days.")
	f.StringVar(&cfg.Schedule, prefix+".schedule", "", "Optional cron expression for automatic daily maintenance.")

	cfg.RollupConcurrency = 4
	cfg.LockAcquireTimeout = 3 * time.Second
	cfg.LockHoldTimeout = 5 * time.Second
}
