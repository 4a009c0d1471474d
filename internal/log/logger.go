// Package log sets up the process-wide slog logger: a console handler on
// stderr, optionally teed into a rotating file.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/dissect/internal/config"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

var (
	mu      sync.Mutex
	rotator *lumberjack.Logger
)

// Init installs the default logger. stdout is left to the dissection sink.
func Init(cfg config.LogConfig) error {
	return InitWriter(cfg, os.Stderr)
}

// InitWriter is Init with console output sent to w.
func InitWriter(cfg config.LogConfig, w io.Writer) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	out := w
	var file *lumberjack.Logger
	if cfg.Outputs.File.Enabled {
		if file, err = createFileWriter(cfg.Outputs.File); err != nil {
			return fmt.Errorf("failed to create file output: %w", err)
		}
		out = io.MultiWriter(w, file)
	}

	h, err := newHandler(cfg.Format, out, level)
	if err != nil {
		return err
	}

	mu.Lock()
	prev := rotator
	rotator = file
	mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	slog.SetDefault(slog.New(h))
	return nil
}

// Close releases the log file, if any. Console logging keeps working.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	return err
}

func newHandler(format string, w io.Writer, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	}
	return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", format)
}

func parseLevel(s string) (slog.Level, error) {
	if l, ok := levels[strings.ToLower(s)]; ok {
		return l, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown level: %s", s)
}

func createFileWriter(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}
