// Package logging wires log/slog the way the rest of the daemon expects:
// a traditional "[LEVEL] message [k=v ...]" line format, optional rotation
// to a date-stamped file with a stable "current" symlink, and a handful of
// helpers for logging mode/session lifecycle events consistently.
package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"astrocore/internal/config"
)

// New returns a slog.Logger with the given level ("debug", "info", "warn",
// "error") and format ("json" or "text").
func New(level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Setup configures the default logger from the options store, adding a
// rotated file sink when requested.
func Setup(cfg config.LoggingOptions) (*slog.Logger, error) {
	level := parseLevel(cfg.Level)

	if cfg.FileOutput {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if cfg.FileOutput {
		logFile := filepath.Join(cfg.LogDir, fmt.Sprintf("astrocore-%s.log", time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.LogDir, "astrocore-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	multiWriter := io.MultiWriter(writers...)
	logger := log.New(multiWriter, "", log.LstdFlags)

	handler := &TraditionalHandler{logger: logger, level: level}
	slogLogger := slog.New(handler)
	slog.SetDefault(slogLogger)

	slogLogger.Info("logging initialized", "level", cfg.Level, "format", cfg.Format, "file_output", cfg.FileOutput, "log_dir", cfg.LogDir)
	return slogLogger, nil
}

// TraditionalHandler renders slog records as "[LEVEL] message [k=v ...]".
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *TraditionalHandler) WithGroup(name string) slog.Handler      { return h }

func parseLevel(level string) slog.Level {
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

// LogModeStart logs a mode beginning to run.
func LogModeStart(logger *slog.Logger, modeType, shotID string, opts map[string]any) {
	logger.Info("mode started", "mode", modeType, "shot_id", shotID, "options", opts)
}

// LogModeFinished logs a mode completing, whether normally or aborted.
func LogModeFinished(logger *slog.Logger, modeType string, duration time.Duration, aborted bool) {
	logger.Info("mode finished", "mode", modeType, "duration_ms", duration.Milliseconds(), "aborted", aborted)
}

// LogModeError logs a mode-level error that caused an abort.
func LogModeError(logger *slog.Logger, modeType string, err error) {
	logger.Error("mode error", "mode", modeType, "error", err.Error())
}

// LogFrameResult logs the outcome of one frame-processing job.
func LogFrameResult(logger *slog.Logger, shotID string, duration time.Duration, stars int, hfd float64) {
	logger.Info("frame processed", "shot_id", shotID, "duration_ms", duration.Milliseconds(), "stars", stars, "hfd", hfd)
}

// LogDeviceEvent logs a device-protocol event at debug level.
func LogDeviceEvent(logger *slog.Logger, kind, device, prop string) {
	logger.Debug("device event", "kind", kind, "device", device, "prop", prop)
}
