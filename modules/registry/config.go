package registry

import "flag"

type Config struct {
	// ConfigFile points at the static region/area/dwelling-type catalogue
	// used to validate registrations. Empty disables catalogue checks.
	ConfigFile string `yaml:"config_file"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ConfigFile, prefix+".config-file", "", "Path to the region/area/dwelling catalogue (yaml).")
}
