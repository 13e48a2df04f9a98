// Package util provides logging and host helpers shared by the Courier node.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the active log file inside the log directory.
const LogFileName = "courier.log"

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Console    bool   `json:"console"`
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 28,
		Console:    true,
	}
}

// NewLogWriter builds the log output: a rotated JSON file plus an optional
// console writer. The returned closer releases the file.
func NewLogWriter(cfg LogConfig, console io.Writer) (io.Writer, io.Closer, error) {
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Directory, LogFileName),
		MaxSize:    max(cfg.MaxSizeMB, 1),
		MaxBackups: max(cfg.MaxBackups, 1),
		MaxAge:     max(cfg.MaxAgeDays, 1),
		Compress:   true,
	}

	writers := []io.Writer{file}
	if cfg.Console && console != nil {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        console,
			TimeFormat: "15:04:05",
		})
	}
	return zerolog.MultiLevelWriter(writers...), file, nil
}

// InitLogger initializes the zerolog global logger with file and console output.
func InitLogger(cfg LogConfig) (io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out, closer, err := NewLogWriter(cfg, os.Stdout)
	if err != nil {
		return nil, err
	}

	log.Logger = zerolog.New(out).
		With().
		Timestamp().
		Str("app", "courier").
		Caller().
		Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", filepath.Join(cfg.Directory, LogFileName)).
		Msg("logger initialized")

	return closer, nil
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
