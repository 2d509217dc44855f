package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"error", slog.LevelError},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"info", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"  Info ", slog.LevelInfo},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.in)
		if err != nil {
			t.Errorf("parseLogLevel(%q) returned error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := parseLogLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewDaemonLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newDaemonLogger(&buf, slog.LevelWarn)

	logger.Debug("schedule armed")
	logger.Warn("stale start rejected")

	out := buf.String()
	if strings.Contains(out, "schedule armed") {
		t.Errorf("debug line emitted at warn level: %q", out)
	}
	if !strings.Contains(out, "stale start rejected") {
		t.Errorf("warn line missing: %q", out)
	}
	if !strings.Contains(out, "app=pulsesyncd") {
		t.Errorf("app attribute missing: %q", out)
	}
}
