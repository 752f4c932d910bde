package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromPath_MissingFile(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Ports.Base != DefaultBasePort {
		t.Errorf("expected default base port %d, got %d", DefaultBasePort, cfg.Ports.Base)
	}
	if cfg.HealthTimeout() != DefaultHealthTimeout {
		t.Errorf("expected default health timeout, got %v", cfg.HealthTimeout())
	}
}

func TestLoadFromPath_PartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
log_level = "debug"

[ports]
base = 4000
reserved = [3000, 3001]

[server]
grace_period_secs = 10
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug log level, got %s", cfg.LogLevel)
	}
	if cfg.Ports.Base != 4000 {
		t.Errorf("expected base 4000, got %d", cfg.Ports.Base)
	}
	if len(cfg.Ports.Reserved) != 2 || cfg.Ports.Reserved[0] != 3000 {
		t.Errorf("unexpected reserved ports: %v", cfg.Ports.Reserved)
	}
	if cfg.GracePeriod() != 10*time.Second {
		t.Errorf("expected 10s grace period, got %v", cfg.GracePeriod())
	}

	// Unset fields fall back to defaults
	if cfg.Ports.MaxProbes != DefaultMaxPortProbes {
		t.Errorf("expected default max probes, got %d", cfg.Ports.MaxProbes)
	}
	if cfg.Server.ReadyPattern != DefaultReadyPattern {
		t.Errorf("expected default ready pattern, got %s", cfg.Server.ReadyPattern)
	}
}

func TestLoadFromPath_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("not [valid toml"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadFromPath(path); err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.CoalesceWindow() != DefaultCoalesceWindow {
		t.Errorf("expected %v, got %v", DefaultCoalesceWindow, cfg.CoalesceWindow())
	}
	if cfg.GracePeriod() != DefaultGracePeriod {
		t.Errorf("expected %v, got %v", DefaultGracePeriod, cfg.GracePeriod())
	}
}
