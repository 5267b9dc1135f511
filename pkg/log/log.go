package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It discards everything until Init.
var Logger = zerolog.Nop()

// Config selects the level and format of the process-wide logger
type Config struct {
	Level      zerolog.Level
	JSONOutput bool
	Output     io.Writer
}

// ParseLevel maps a configured level name onto zerolog. Unknown or empty
// names fall back to info.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// Init replaces Logger. Child loggers derived before the call keep the old
// configuration.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJob tags a logger with the job it is working for
func WithJob(parent zerolog.Logger, id, kind string) zerolog.Logger {
	return parent.With().Str("job_id", id).Str("kind", kind).Logger()
}

// WithPackage tags a logger with the package being built
func WithPackage(parent zerolog.Logger, name, version string) zerolog.Logger {
	return parent.With().Str("package", name).Str("version", version).Logger()
}
