// Package config holds the iotrace settings. Every flag has an IOTRACE_*
// environment variable providing its default.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/mrzor/iotrace/internal/filter"
	"github.com/mrzor/iotrace/internal/logger"
	"github.com/mrzor/iotrace/internal/remotemem"
	"github.com/mrzor/iotrace/internal/report"
)

// ErrNoCommand is returned when no command to trace was given.
var ErrNoCommand = errors.New("no command to trace")

// Config holds the parsed configuration
type Config struct {
	// Command is the executable to run followed by its arguments
	Command []string
	// Output is the report path, "-" for stdout, "" to skip the file report
	Output string `env:"IOTRACE_OUTPUT" envDefault:"iotrace.json"`
	// Format is the report encoding: json or yaml
	Format string `env:"IOTRACE_FORMAT" envDefault:"json"`
	// LogLevel is one of trace, debug, info, warn, error
	LogLevel string `env:"IOTRACE_LOG_LEVEL" envDefault:"info"`
	// LogFormat is one of console, json, logfmt
	LogFormat string `env:"IOTRACE_LOG_FORMAT" envDefault:"console"`
	// Filter is an expression selecting the file records to report
	Filter string `env:"IOTRACE_FILTER"`
	// MetricsAddr enables the Prometheus endpoint when set
	MetricsAddr string `env:"IOTRACE_METRICS_ADDR"`
	// SQLite appends the report to this database when set
	SQLite string `env:"IOTRACE_SQLITE"`
	// KeepClosed keeps descriptor bindings after a successful close
	KeepClosed bool `env:"IOTRACE_KEEP_CLOSED"`
	// MaxPathLen bounds path extraction, terminator included
	MaxPathLen int `env:"IOTRACE_MAX_PATH_LEN" envDefault:"256"`
	// OTEL exports the report as spans over OTLP/HTTP
	OTEL bool `env:"IOTRACE_OTEL"`
	// TraceID is the OpenTelemetry trace ID (32 hex chars); random when empty
	TraceID string `env:"IOTRACE_TRACE_ID"`
}

// FromEnv returns a Config holding the environment defaults.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration and normalizes the trace ID.
func (c *Config) Validate() error {
	if len(c.Command) == 0 || c.Command[0] == "" {
		return ErrNoCommand
	}
	if !report.ValidFormat(c.Format) {
		return fmt.Errorf("invalid format %q: want %s or %s", c.Format, report.FormatJSON, report.FormatYAML)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case logger.FormatConsole, logger.FormatJSON, logger.FormatLogfmt:
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.MaxPathLen < remotemem.WordSize {
		return fmt.Errorf("max path length must be at least %d, got %d", remotemem.WordSize, c.MaxPathLen)
	}
	c.Filter = strings.TrimSpace(c.Filter)
	if _, err := filter.New(c.Filter); err != nil {
		return err
	}
	if c.Output == "" && c.SQLite == "" && !c.OTEL && c.MetricsAddr == "" {
		return errors.New("no output configured: set an output file, a SQLite database, OTEL or a metrics address")
	}

	if c.TraceID != "" {
		// Validate: must be 32 hex chars
		if len(c.TraceID) != 32 {
			return fmt.Errorf("trace ID must be 32 hex characters, got %d", len(c.TraceID))
		}
		if _, err := hex.DecodeString(c.TraceID); err != nil {
			return fmt.Errorf("trace ID must be valid hex: %w", err)
		}
		c.TraceID = strings.ToLower(c.TraceID)
	}
	return nil
}

// Program returns the traced executable.
func (c *Config) Program() string {
	if len(c.Command) == 0 {
		return ""
	}
	return c.Command[0]
}

// Args returns the arguments of the traced executable.
func (c *Config) Args() []string {
	if len(c.Command) < 2 {
		return nil
	}
	return c.Command[1:]
}
