// Package logging configures zerolog for pacidfu and adapts it to the
// key/value Logger interface used by the library packages.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/CuriousInventions/smartpaci-dfu/config"
)

// Setup initializes the global logger based on configuration
func Setup(cfg config.Config) error {
	level, err := parseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	var writer io.Writer
	switch strings.ToLower(cfg.Logging.Output) {
	case "stdout":
		writer = setupConsoleWriter(cfg, os.Stdout)
	case "stderr", "":
		writer = setupConsoleWriter(cfg, os.Stderr)
	case "file":
		writer, err = setupFileWriter(cfg)
		if err != nil {
			return fmt.Errorf("failed to setup file writer: %w", err)
		}
	case "multi":
		writer, err = setupMultiWriter(cfg)
		if err != nil {
			return fmt.Errorf("failed to setup multi writer: %w", err)
		}
	default:
		return fmt.Errorf("invalid log output %q", cfg.Logging.Output)
	}

	log.Logger = zerolog.New(writer).With().Timestamp().Logger()

	log.Debug().
		Str("level", cfg.Logging.Level).
		Str("format", cfg.Logging.Format).
		Str("output", cfg.Logging.Output).
		Msg("Logger initialized")

	return nil
}

func parseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	case "panic":
		return zerolog.PanicLevel, nil
	case "disabled":
		return zerolog.Disabled, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown level: %s", level)
	}
}

func setupConsoleWriter(cfg config.Config, out io.Writer) io.Writer {
	if strings.ToLower(cfg.Logging.Format) == "console" {
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}
	return out
}

func setupFileWriter(cfg config.Config) (io.Writer, error) {
	logDir := filepath.Dir(cfg.Logging.FilePath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		LocalTime:  true,
	}, nil
}

func setupMultiWriter(cfg config.Config) (io.Writer, error) {
	writers := []io.Writer{setupConsoleWriter(cfg, os.Stderr)}

	if cfg.Logging.FilePath != "" {
		fileWriter, err := setupFileWriter(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to setup file writer: %w", err)
		}
		writers = append(writers, fileWriter)
	}

	return zerolog.MultiLevelWriter(writers...), nil
}
