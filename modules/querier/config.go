package querier

import (
	"flag"
	"time"
)

type Config struct {
	// QueryTimeout bounds a single aggregation query against the store.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.QueryTimeout = 10 * time.Second
}
