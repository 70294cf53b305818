package ingress

import "flag"

type Config struct {
	// MaxBulkSize caps the item count of a single bulk submission.
	MaxBulkSize int `yaml:"max_bulk_size"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxBulkSize, prefix+".max-bulk-size", 1000, "Maximum readings accepted in one bulk request.")
}
