package app

import (
	"flag"

	dslog "github.com/grafana/dskit/log"

	"github.com/gridwatt/meterflow/modules/ingress"
	"github.com/gridwatt/meterflow/modules/maintenance"
	"github.com/gridwatt/meterflow/modules/querier"
	"github.com/gridwatt/meterflow/modules/registry"
	"github.com/gridwatt/meterflow/modules/worker"
	"github.com/gridwatt/meterflow/pkg/meterstore"
)

// Config is the root config for the meterflow process.
type Config struct {
	HTTPListenAddress string      `yaml:"http_listen_address"`
	HTTPListenPort    int         `yaml:"http_listen_port"`
	LogLevel          dslog.Level `yaml:"log_level"`
	LogFormat         string      `yaml:"log_format"`

	Store       meterstore.Config  `yaml:"store"`
	Ingress     ingress.Config     `yaml:"ingress"`
	Worker      worker.Config      `yaml:"worker"`
	Maintenance maintenance.Config `yaml:"maintenance"`
	Querier     querier.Config     `yaml:"querier"`
	Registry    registry.Config    `yaml:"registry"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.HTTPListenAddress, "server.http-listen-address", "", "HTTP server listen address.")
	f.IntVar(&c.HTTPListenPort, "server.http-listen-port", 8050, "HTTP server listen port.")
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")
	c.LogLevel.RegisterFlags(f)

	c.Store.RegisterFlagsAndApplyDefaults("store", f)
	c.Ingress.RegisterFlagsAndApplyDefaults("ingress", f)
	c.Worker.RegisterFlagsAndApplyDefaults("worker", f)
	c.Maintenance.RegisterFlagsAndApplyDefaults("maintenance", f)
	c.Querier.RegisterFlagsAndApplyDefaults("querier", f)
	c.Registry.RegisterFlagsAndApplyDefaults("registry", f)
}

// CheckConfig returns warnings for suspect configurations.
func (c *Config) CheckConfig() []string {
	var warnings []string
	if c.Worker.Workers < 1 {
		warnings = append(warnings, "worker.workers < 1: the reading queue will never drain")
	}
	if c.Maintenance.KeepDays < 1 {
		warnings = append(warnings, "maintenance.keep-days < 1: retention trim will delete all history")
	}
	return warnings
}
