package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  slog.Level
	}{
		{"debug lowercase", "debug", slog.LevelDebug},
		{"debug uppercase", "DEBUG", slog.LevelDebug},
		{"info lowercase", "info", slog.LevelInfo},
		{"warn lowercase", "warn", slog.LevelWarn},
		{"error lowercase", "error", slog.LevelError},
		{"empty string", "", slog.LevelInfo},
		{"invalid value", "invalid", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestSetup(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "sub", "test.log")

	cleanup, err := Setup(logPath, slog.LevelDebug)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer cleanup()

	slog.Info("test message", "key", "value")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "test message") {
		t.Errorf("log file missing message: %s", data)
	}
	if !strings.Contains(string(data), `"key":"value"`) {
		t.Errorf("log file not JSON formatted: %s", data)
	}
}

func TestLogPanic(t *testing.T) {
	var recovered any
	func() {
		defer LogPanic("test-goroutine", func(r any) { recovered = r })
		panic("boom")
	}()

	if recovered != "boom" {
		t.Errorf("expected recovered panic 'boom', got %v", recovered)
	}
}
