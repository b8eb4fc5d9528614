package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Persistence.BufferSize != 10000 {
		t.Fatalf("expected default buffer size 10000, got %d", cfg.Persistence.BufferSize)
	}
	if cfg.Hub.StatusInterval != time.Minute {
		t.Fatalf("expected default status interval 1m, got %s", cfg.Hub.StatusInterval)
	}
	if !cfg.Simulation.Enabled {
		t.Fatalf("expected simulation enabled by default")
	}
}

func TestLoadAppliesFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	data := `
server:
  port: "9090"
persistence:
  batch_size: 50
  flush_interval: 250ms
simulation:
  device_id: press-07
  interval: 2s
log:
  format: console
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PORT", "7070")
	t.Setenv("SIMULATION_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Fatalf("expected env port to win, got %s", cfg.Server.Port)
	}
	if cfg.Persistence.BatchSize != 50 {
		t.Fatalf("expected batch size 50, got %d", cfg.Persistence.BatchSize)
	}
	if cfg.Persistence.FlushInterval != 250*time.Millisecond {
		t.Fatalf("expected flush interval 250ms, got %s", cfg.Persistence.FlushInterval)
	}
	if cfg.Persistence.BufferSize != 10000 {
		t.Fatalf("expected untouched buffer size default, got %d", cfg.Persistence.BufferSize)
	}
	if cfg.Simulation.DeviceID != "press-07" {
		t.Fatalf("expected device id press-07, got %s", cfg.Simulation.DeviceID)
	}
	if cfg.Simulation.Enabled {
		t.Fatalf("expected SIMULATION_ENABLED=false to disable simulation")
	}
	if cfg.Log.Format != "console" {
		t.Fatalf("expected console log format, got %s", cfg.Log.Format)
	}
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("PERSIST_BATCH_SIZE", "lots")

	_, err := Load("")
	if err == nil {
		t.Fatalf("expected error for non-numeric batch size")
	}
	if !strings.Contains(err.Error(), "PERSIST_BATCH_SIZE") {
		t.Fatalf("expected error to name the variable, got %v", err)
	}
}

func TestValidateRequiresSecretForTokenAuth(t *testing.T) {
	cfg := Default()
	cfg.Auth.RequireWSAuth = true

	if err := cfg.validate(); err == nil {
		t.Fatalf("expected validation error without jwt secret")
	}

	cfg.Auth.JWTSecret = "s3cret"
	if err := cfg.validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsBatchLargerThanBuffer(t *testing.T) {
	cfg := Default()
	cfg.Persistence.BufferSize = 10
	cfg.Persistence.BatchSize = 20

	if err := cfg.validate(); err == nil {
		t.Fatalf("expected batch size above buffer size to be rejected")
	}
}
