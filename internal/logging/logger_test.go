package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/coldbell/basket/backend/internal/config"
)

func TestNewHandlerJSON(t *testing.T) {
	var buf bytes.Buffer
	handler, err := newHandler(&buf, "json", &slog.HandlerOptions{Level: slog.LevelDebug})
	if err != nil {
		t.Fatalf("newHandler: %v", err)
	}
	slog.New(handler).Debug("leg submitted", "leg", 2)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "leg submitted" {
		t.Errorf("unexpected msg %v", line["msg"])
	}
}

func TestNewHandlerPrettyShortensTime(t *testing.T) {
	var buf bytes.Buffer
	handler, err := newHandler(&buf, "pretty", &slog.HandlerOptions{})
	if err != nil {
		t.Fatalf("newHandler: %v", err)
	}
	slog.New(handler).Info("hello")
	if !regexp.MustCompile(`^time=\d{2}:\d{2}:\d{2}\.\d{3} `).MatchString(buf.String()) {
		t.Errorf("expected short clock time, got %q", buf.String())
	}
}

func TestNewHandlerRejectsUnknownFormat(t *testing.T) {
	if _, err := newHandler(&bytes.Buffer{}, "xml", &slog.HandlerOptions{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("WARNING")
	if err != nil || level != slog.LevelWarn {
		t.Fatalf("expected warn, got %v err=%v", level, err)
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc", "svc.log")
	logger, closeFn, err := New("svc", config.LogConfig{Output: "file", FilePath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("written")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), "service=svc") {
		t.Errorf("expected service attr in %q", body)
	}
}

func TestRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	handler, err := newHandler(&buf, "json", &slog.HandlerOptions{})
	if err != nil {
		t.Fatalf("newHandler: %v", err)
	}
	slog.New(handler).Info("store opened", "db_dsn", "postgres://u:hunter2@db/basket", "wallet", "abc")

	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("secret leaked: %q", buf.String())
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["db_dsn"] != "[redacted]" || line["wallet"] != "abc" {
		t.Fatalf("unexpected attrs %v", line)
	}
}
