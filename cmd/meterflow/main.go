package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/gridwatt/meterflow/cmd/meterflow/app"
	"github.com/gridwatt/meterflow/pkg/util/log"
)

const appName = "meterflow"

func main() {
	printVersion := flag.Bool("version", false, "Print this builds version information")

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if *printVersion {
		fmt.Println(version.Print(appName))
		os.Exit(0)
	}

	log.InitLogger(config.LogFormat, config.LogLevel)

	for _, warning := range config.CheckConfig() {
		level.Warn(log.Logger).Log("msg", "configuration warning", "warn", warning)
	}

	a, err := app.New(*config)
	if err != nil {
		level.Error(log.Logger).Log("msg", "error initialising meterflow", "err", err)
		os.Exit(1)
	}

	level.Info(log.Logger).Log("msg", "starting meterflow", "version", version.Info())

	if err := a.Run(); err != nil {
		level.Error(log.Logger).Log("msg", "error running meterflow", "err", err)
		os.Exit(1)
	}
}

// loadConfig applies defaults, overlays the optional config file (with env
// var substitution) and lets flags take final precedence.
func loadConfig() (*app.Config, error) {
	var configFile string

	config := &app.Config{}
	flag.StringVar(&configFile, "config.file", "", "Configuration file to load")
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)
	flag.Parse()

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		expanded, err := envsubst.EvalEnv(string(buf))
		if err != nil {
			return nil, fmt.Errorf("failed to substitute env vars in config: %w", err)
		}
		if err := yaml.UnmarshalStrict([]byte(expanded), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
		}

		// re-parse so explicit flags override file values
		if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
			return nil, err
		}
	}

	return config, nil
}
