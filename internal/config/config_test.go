package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLoadDefaults(t *testing.T) {
	// Run from an empty directory so no stray boardsync.yaml is picked up.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 3001 {
		t.Errorf("Server.Port = %d, want 3001", cfg.Server.Port)
	}
	if cfg.Client.RequestTimeout != 10*time.Second {
		t.Errorf("Client.RequestTimeout = %v, want 10s", cfg.Client.RequestTimeout)
	}
	if cfg.Client.ReconnectAttempts != 5 {
		t.Errorf("Client.ReconnectAttempts = %d, want 5", cfg.Client.ReconnectAttempts)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boardsync.yaml")

	content := `
server:
  port: 9100
  seed_file: /tmp/seed.yaml
client:
  url: ws://example.com:9100/ws
  reconnect_delay: 2s
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Server.SeedFile != "/tmp/seed.yaml" {
		t.Errorf("Server.SeedFile = %q", cfg.Server.SeedFile)
	}
	if cfg.Client.URL != "ws://example.com:9100/ws" {
		t.Errorf("Client.URL = %q", cfg.Client.URL)
	}
	if cfg.Client.ReconnectDelay != 2*time.Second {
		t.Errorf("Client.ReconnectDelay = %v, want 2s", cfg.Client.ReconnectDelay)
	}
	// File values merge over defaults.
	if cfg.Server.SendQueueSize != 64 {
		t.Errorf("Server.SendQueueSize = %d, want default 64", cfg.Server.SendQueueSize)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("Expected error for missing explicit config file")
	}
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{Log: LogConfig{Level: "debug"}}
	logger := cfg.NewLogger()
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("Level = %v, want debug", logger.GetLevel())
	}

	cfg = &Config{Log: LogConfig{Level: "not-a-level"}}
	if logger := cfg.NewLogger(); logger.GetLevel() != logrus.InfoLevel {
		t.Error("Invalid level should fall back to info")
	}
}
