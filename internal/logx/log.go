// Package logx holds the process-wide zerolog logger of deskmux.
package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Log is the root logger. Packages derive their own with Component.
var Log zerolog.Logger

var out io.Writer = os.Stderr

var levels = map[string]zerolog.Level{
	"all":      zerolog.TraceLevel,
	"trace":    zerolog.TraceLevel,
	"debug":    zerolog.DebugLevel,
	"info":     zerolog.InfoLevel,
	"warn":     zerolog.WarnLevel,
	"warning":  zerolog.WarnLevel,
	"error":    zerolog.ErrorLevel,
	"fatal":    zerolog.FatalLevel,
	"none":     zerolog.Disabled,
	"off":      zerolog.Disabled,
	"disabled": zerolog.Disabled,
}

// ParseLevel maps a level name, in any case, to a zerolog level. Unknown
// names fall back to info.
func ParseLevel(level string) zerolog.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l
	}
	return zerolog.InfoLevel
}

// Configure sets the global level and rebuilds Log as a timestamped console
// logger on the current output.
func Configure(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	Log = zerolog.New(console(out)).With().Timestamp().Logger()
}

// SetOutput redirects Log to w. Loggers already returned by Component keep
// their old destination.
func SetOutput(w io.Writer) {
	out = w
	Log = Log.Output(console(w))
}

// console colors only the terminal streams.
func console(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05.000",
		NoColor:    w != os.Stderr && w != os.Stdout,
	}
}

// Component returns Log tagged with component=name.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}

func init() { Configure(os.Getenv("LOG_LEVEL")) }
