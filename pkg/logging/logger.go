// Package logging configures the agent's zerolog output.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty switches from JSON lines to console output.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON output at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup builds the root logger and installs it as the global one.
func Setup(cfg Config) zerolog.Logger {
	level, err := ParseLevel(string(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Str("service", "offline-agent").Logger()
	log.Logger = logger
	return logger
}

// ParseLevel converts a level name to zerolog.Level. The empty string is info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger derives a logger with the given component name from the global one.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug:
//   - Cache reads and writes (namespace, key)
//   - Routing decisions (strategy, destination, source)
//   - Trims and expiry runs
//
// Info:
//   - Lifecycle transitions (from, to, version)
//   - Stale namespace removal
//   - Server startup/shutdown
//
// Warn:
//   - Storage errors on the request path (the request is still answered)
//   - Fetch retries and offline fallbacks
//   - Offline page precache failures
//
// Error:
//   - Install failures
//   - Control transport failures
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package (router, cache, lifecycle, control, agent)
//   - version: agent version tag
//   - namespace: cache namespace name
//   - url: request URL
//   - strategy / source: routing outcome
//   - request_id: X-Request-ID of the intercepted request
