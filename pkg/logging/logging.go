// Package logging provides structured, leveled logging for the swap daemon.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Logger wraps a charmbracelet logger and remembers the options it was
// built with so component loggers share output and formatting.
type Logger struct {
	*log.Logger
	opts   log.Options
	output io.Writer
}

// Config holds logger configuration.
type Config struct {
	Level      string    `yaml:"level"`
	Format     string    `yaml:"format"` // text, json or logfmt
	TimeFormat string    `yaml:"time_format"`
	Output     io.Writer `yaml:"-"`
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     "text",
		TimeFormat: time.TimeOnly,
		Output:     os.Stderr,
	}
}

// New creates a new logger with the given configuration.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.TimeOnly
	}

	opts := log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Formatter:       parseFormatter(cfg.Format),
		Level:           ParseLevel(cfg.Level),
	}

	return &Logger{
		Logger: log.NewWithOptions(output, opts),
		opts:   opts,
		output: output,
	}
}

// ParseLevel parses a string level into a log.Level. Unknown values map to info.
func ParseLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

func parseFormatter(format string) log.Formatter {
	switch strings.ToLower(format) {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}

// With returns a new logger carrying the given key-value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...), opts: l.opts, output: l.output}
}

// Component returns a logger whose lines are prefixed with the component name.
// The level is taken from the parent at call time.
func (l *Logger) Component(name string) *Logger {
	opts := l.opts
	opts.Prefix = name
	opts.Level = l.GetLevel()
	return &Logger{Logger: log.NewWithOptions(l.output, opts), opts: opts, output: l.output}
}

var defaultLogger = New(DefaultConfig())

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// GetDefault returns the process-wide logger.
func GetDefault() *Logger {
	return defaultLogger
}

func Debug(msg interface{}, keyvals ...interface{}) { defaultLogger.Debug(msg, keyvals...) }
func Info(msg interface{}, keyvals ...interface{})  { defaultLogger.Info(msg, keyvals...) }
func Warn(msg interface{}, keyvals ...interface{})  { defaultLogger.Warn(msg, keyvals...) }
func Error(msg interface{}, keyvals ...interface{}) { defaultLogger.Error(msg, keyvals...) }
func Fatal(msg interface{}, keyvals ...interface{}) { defaultLogger.Fatal(msg, keyvals...) }
