// Package logging provides structured logging on top of log/slog.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level: debug, info, warn, error
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// Format specifies the output format: json or text
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`

	// Output specifies the output destination: stdout, stderr, or a file path
	Output string `yaml:"output"`

	// AddSource adds source file and line number to log entries
	AddSource bool `yaml:"add_source"`
}

// DefaultConfig returns sensible defaults for logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// ConfigFromEnv creates a configuration from environment variables.
func ConfigFromEnv() Config {
	return DefaultConfig().ApplyEnv()
}

// ApplyEnv overrides fields that are set in the environment.
func (c Config) ApplyEnv() Config {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Level = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Format = strings.ToLower(format)
	}
	if output := os.Getenv("LOG_OUTPUT"); output != "" {
		c.Output = output
	}
	if os.Getenv("LOG_ADD_SOURCE") == "true" {
		c.AddSource = true
	}
	return c
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetOutput returns the io.Writer for the configured output.
// Unopenable file paths fall back to stdout.
func (c Config) GetOutput() io.Writer {
	switch c.Output {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return os.Stdout
		}
		return f
	}
}
