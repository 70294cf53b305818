// Package log owns the process-wide logger. Components receive their logger
// through constructors; the package global covers main and anything that
// runs before wiring completes.
package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger defaults to a nop so code paths hit before InitLogger stay quiet
// instead of panicking.
var Logger kitlog.Logger = kitlog.NewNopLogger()

// InitLogger builds the global logger for the configured format (logfmt or
// json) and level, and returns it for direct injection.
func InitLogger(format string, lvl dslog.Level) kitlog.Logger {
	l := dslog.NewGoKitWithWriter(format, kitlog.NewSyncWriter(os.Stderr))
	l = kitlog.With(l, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// the level filter goes last so filtered lines pay no formatting cost
	l = level.NewFilter(l, lvl.Option)

	Logger = l
	return l
}
