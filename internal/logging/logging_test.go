package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("ingest")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("peer connected", "stream", "screen-1")

	out := buf.String()
	if !strings.Contains(out, `msg="peer connected"`) {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=ingest") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "stream=screen-1") {
		t.Fatalf("expected stream field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("capture")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	WithRecording(L("recording"), "rec-42").Debug("spooled", KeyBytes, 1024)

	out := buf.String()
	if !strings.HasPrefix(out, "{") {
		t.Fatalf("expected JSON output, got: %s", out)
	}
	if !strings.Contains(out, `"recordingId":"rec-42"`) {
		t.Fatalf("expected recording id, got: %s", out)
	}
}

func TestWithGroupKeepsAttrs(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	L("server").WithGroup("http").Info("request", "path", "/api/capture")

	out := buf.String()
	if !strings.Contains(out, "component=server") {
		t.Fatalf("expected component attr, got: %s", out)
	}
	if !strings.Contains(out, "http.path=/api/capture") {
		t.Fatalf("expected grouped attr, got: %s", out)
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger")
	}
	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := NewContext(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Fatal("expected logger from context")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
