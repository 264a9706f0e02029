package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/coldbell/basket/backend/internal/config"
)

// redactedKeys never reach the log output with their value.
var redactedKeys = map[string]struct{}{
	"dsn":         {},
	"db_dsn":      {},
	"redis_url":   {},
	"private_key": {},
	"secret":      {},
	"password":    {},
}

const redacted = "[redacted]"

// New builds the service logger. The returned close func releases the log
// file when output includes one.
func New(serviceName string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	sink, err := openSink(serviceName, cfg)
	if err != nil {
		return nil, nil, err
	}

	handler, err := newHandler(sink.w, cfg.Format, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	if err != nil {
		_ = sink.Close()
		return nil, nil, err
	}
	return slog.New(handler).With("service", serviceName), sink.Close, nil
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) (slog.Handler, error) {
	pretty := false
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
	case "pretty":
		pretty = true
	case "json":
		opts.ReplaceAttr = replaceAttr(false)
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text|json|pretty)", format)
	}
	opts.ReplaceAttr = replaceAttr(pretty)
	return slog.NewTextHandler(w, opts), nil
}

func replaceAttr(shortTime bool) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		if _, ok := redactedKeys[strings.ToLower(a.Key)]; ok {
			return slog.String(a.Key, redacted)
		}
		if shortTime && a.Key == slog.TimeKey {
			return slog.String(slog.TimeKey, a.Value.Time().Format("15:04:05.000"))
		}
		return a
	}
}

type sink struct {
	w    io.Writer
	file *os.File
}

func (s sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// openSink resolves Output: console, file or both.
func openSink(serviceName string, cfg config.LogConfig) (sink, error) {
	output := strings.ToLower(strings.TrimSpace(cfg.Output))
	if output == "" || output == "console" {
		return sink{w: os.Stdout}, nil
	}
	if output != "file" && output != "both" {
		return sink{}, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Output)
	}

	path := strings.TrimSpace(cfg.FilePath)
	if path == "" {
		path = filepath.Join("logs", serviceName, serviceName+".log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return sink{}, fmt.Errorf("create log directory for %q: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return sink{}, fmt.Errorf("open log file %q: %w", path, err)
	}

	if output == "both" {
		return sink{w: io.MultiWriter(os.Stdout, file), file: file}, nil
	}
	return sink{w: file, file: file}, nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
}

// Discard is for tests and optional collaborators.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
