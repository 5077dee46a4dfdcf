// Package logger configures the process-wide phuslu/log logger.
//
// Packages log through the top-level functions of github.com/phuslu/log
// (log.Info(), log.Debug(), ...). Setup replaces log.DefaultLogger once at
// startup; per-syscall messages are emitted at debug or trace level only so the
// hot path stays quiet at the default level.
package logger

import (
	"fmt"
	"io"
	"strings"

	"github.com/phuslu/log"
)

// Output formats accepted by Setup.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatLogfmt  = "logfmt"
)

// ParseLevel converts a level name to a log.Level.
func ParseLevel(level string) (log.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info", "":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// New builds a logger writing to w in the given format.
func New(level, format string, w io.Writer) (log.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return log.Logger{}, err
	}

	var writer log.Writer
	switch strings.ToLower(format) {
	case FormatJSON:
		writer = &log.IOWriter{Writer: w}
	case FormatLogfmt:
		writer = &log.ConsoleWriter{
			Formatter: log.LogfmtFormatter{TimeField: "time"}.Formatter,
			Writer:    w,
		}
	case FormatConsole, "":
		writer = &log.ConsoleWriter{
			ColorOutput:    false,
			QuoteString:    true,
			EndWithMessage: true,
			Writer:         w,
		}
	default:
		return log.Logger{}, fmt.Errorf("unknown log format %q", format)
	}

	return log.Logger{
		Level:      lvl,
		TimeFormat: "15:04:05.000",
		Writer:     writer,
	}, nil
}

// Setup installs a logger built by New as log.DefaultLogger.
func Setup(level, format string, w io.Writer) error {
	l, err := New(level, format, w)
	if err != nil {
		return err
	}
	log.DefaultLogger = l
	return nil
}
