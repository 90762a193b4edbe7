package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SHELFWISE_COORDINATION_URL", "redis://localhost:6379/0")

	cfg, err := NewViperLoader("", "SHELFWISE").Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Service.Name != "shelfwise" {
		t.Errorf("expected default service name, got %q", cfg.Service.Name)
	}
	if cfg.Coordination.KeyPrefix != "shelfwise" {
		t.Errorf("expected default key prefix, got %q", cfg.Coordination.KeyPrefix)
	}
	if cfg.Jobs.DefaultQueue != "imports" {
		t.Errorf("expected default queue imports, got %q", cfg.Jobs.DefaultQueue)
	}
	if cfg.Jobs.MaxAttempts != 5 {
		t.Errorf("expected default max attempts 5, got %d", cfg.Jobs.MaxAttempts)
	}
	if cfg.Export.FlushThreshold != 5*1024*1024 {
		t.Errorf("expected default flush threshold 5MiB, got %d", cfg.Export.FlushThreshold)
	}
	if cfg.Import.ResourceLockTTL != 5*time.Minute {
		t.Errorf("expected default resource lock ttl 5m, got %v", cfg.Import.ResourceLockTTL)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.Join([]string{
		"service:",
		"  name: circulation-sync",
		"coordination:",
		"  url: redis://redis.internal:6379/1",
		"export:",
		"  flush_threshold: 1048576",
		"jobs:",
		"  concurrency: 4",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := NewViperLoader(path, "SHELFWISE").Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Service.Name != "circulation-sync" {
		t.Errorf("expected file service name, got %q", cfg.Service.Name)
	}
	if cfg.Coordination.URL != "redis://redis.internal:6379/1" {
		t.Errorf("expected file coordination url, got %q", cfg.Coordination.URL)
	}
	if cfg.Export.FlushThreshold != 1048576 {
		t.Errorf("expected file flush threshold, got %d", cfg.Export.FlushThreshold)
	}
	if cfg.Jobs.Concurrency != 4 {
		t.Errorf("expected file concurrency 4, got %d", cfg.Jobs.Concurrency)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.Join([]string{
		"coordination:",
		"  url: redis://from-file:6379/0",
		"import:",
		"  queue: file-queue",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("SHELFWISE_COORDINATION_URL", "redis://from-env:6379/0")
	t.Setenv("SHELFWISE_IMPORT_QUEUE", "env-queue")

	cfg, err := NewViperLoader(path, "SHELFWISE").Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Coordination.URL != "redis://from-env:6379/0" {
		t.Errorf("expected env to override file, got %q", cfg.Coordination.URL)
	}
	if cfg.Import.Queue != "env-queue" {
		t.Errorf("expected env queue override, got %q", cfg.Import.Queue)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing coordination url", mutate: func(c *Config) { c.Coordination.URL = "" }},
		{name: "invalid log level", mutate: func(c *Config) { c.Observability.LogLevel = "verbose" }},
		{name: "invalid log format", mutate: func(c *Config) { c.Observability.LogFormat = "xml" }},
		{name: "zero concurrency", mutate: func(c *Config) { c.Jobs.Concurrency = 0 }},
		{name: "zero max attempts", mutate: func(c *Config) { c.Jobs.MaxAttempts = 0 }},
		{name: "zero flush threshold", mutate: func(c *Config) { c.Export.FlushThreshold = 0 }},
	}

	loader := NewViperLoader("", "SHELFWISE")
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Coordination.URL = "redis://localhost:6379/0"
			tc.mutate(cfg)
			if err := loader.Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
