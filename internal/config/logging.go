package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("QP_LOG_LEVEL: %w", err)
	}
	return l, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Logger builds the process logger. Output goes to the rotated log file
// when one is configured, otherwise to stderr. verbose forces debug level.
// The returned closer releases the log file.
func (l Log) Logger(stderr io.Writer, verbose bool) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(l.Level)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}

	var out io.WriteCloser = nopCloser{stderr}
	if l.File != "" {
		file, err := filepath.Abs(l.File)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve log file: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		out = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    l.MaxSize, // megabytes
			MaxBackups: l.MaxBackups,
			MaxAge:     l.MaxAge, // days
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if l.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), out, nil
}
