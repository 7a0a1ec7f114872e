package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("seat")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("client activated", KeyClient, 3, KeySession, 2)

	out := buf.String()
	if !strings.Contains(out, `msg="client activated"`) {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=seat") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "client=3") || !strings.Contains(out, "session=2") {
		t.Fatalf("expected client and session fields, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("server")

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

func TestSetLevelAppliesToExistingLoggers(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "error", &buf)
	logger := L("poller")

	logger.Debug("before")
	SetLevel("debug")
	logger.Debug("after")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Fatalf("debug log emitted at error level: %s", out)
	}
	if !strings.Contains(out, `"msg":"after"`) {
		t.Fatalf("expected json debug record after SetLevel: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"silent", levelSilent},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
