// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.DurationFieldUnit = time.Millisecond

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Str("service", "repo-scorer").Logger()
	log.Logger = logger

	return logger
}

// ValidateLevel returns an error for level names Setup would not recognise.
func ValidateLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a child of the global logger with the given component
// name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Single search requests (page, per_page, query)
//   - Quota updates while quota remains
//   - Retry backoff decisions
//
// Info: Normal operation events
//   - Fetch start and completion (pages, duration, partial)
//   - Scoring runs
//   - Circuit breaker recovery (half_open, closed)
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Retries exhausted, fallback triggered
//   - Circuit breaker opened
//   - Quota exhausted, requests blocked locally
//   - Fetch interrupted by cancellation
//
// Error: Error conditions requiring attention
//   - Non-retryable upstream errors (client, malformed)
//   - Requests failed with 5xx at the HTTP surface
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package (github-client, scorer, server)
//   - run_id: one fetch-and-score run
//   - key: resilience operation key
//   - page: 1-based page index
//   - kind: upstream error kind (rate_limited, server, network, malformed, client)
//   - remaining / limit: upstream quota
//   - duration: elapsed time in milliseconds
