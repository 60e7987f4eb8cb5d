package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewFormats(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Info("hello", slog.String("k", "v"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "hello" || line["k"] != "v" {
		t.Fatalf("unexpected line %v", line)
	}

	if _, err := New(Config{Format: "xml"}, &buf); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, err := New(Config{Level: "loud"}, &buf); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := WithLogger(context.Background(), logger)
	Info(ctx, "quiet")
	Warn(ctx, "loud")
	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "loud") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestContextAttrsMerge(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Config{Format: "json"}, &buf)

	ctx := WithLogger(context.Background(), logger)
	ctx = WithAttrs(ctx, slog.String("request_id", "r1"), slog.String("path", "/a"))
	ctx = WithAttrs(ctx, slog.String("path", "/b"))
	Error(ctx, "failed", slog.String("agent_id", "agent-1"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if line["request_id"] != "r1" || line["path"] != "/b" || line["agent_id"] != "agent-1" {
		t.Fatalf("unexpected line %v", line)
	}
	if got := len(Attrs(ctx)); got != 2 {
		t.Fatalf("expected 2 attrs, got %d", got)
	}
}

func TestLoggerFallback(t *testing.T) {
	if Logger(context.Background()) == nil {
		t.Fatalf("expected fallback logger")
	}
	if Attrs(context.Background()) != nil {
		t.Fatalf("expected no attrs")
	}
	if WithLogger(context.Background(), nil) == nil {
		t.Fatalf("expected ctx")
	}
}
