package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Queue.Store != "bolt" || cfg.Queue.RetryLimit != 3 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Realtime.ReconnectBase != time.Second || cfg.Realtime.ReconnectMax != 30*time.Second {
		t.Fatalf("realtime defaults = %+v", cfg.Realtime)
	}
	if cfg.Queue.SyncedGrace != 5*time.Second || cfg.Queue.Debounce != 2*time.Second {
		t.Fatalf("queue defaults = %+v", cfg.Queue)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "agent.yaml")
	yaml := "queue:\n  store: file\n  path: /var/lib/agent\n  max_concurrent: 5\nrealtime:\n  reconnect_max: 10s\n"
	if err := os.WriteFile(file, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LABPORTAL_QUEUE_MAX_CONCURRENT", "7")
	t.Setenv("LABPORTAL_AGENT_TOKEN", "labA:driver:d1")

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Store != "file" || cfg.Queue.Path != "/var/lib/agent" {
		t.Fatalf("file values not applied: %+v", cfg.Queue)
	}
	if cfg.Queue.MaxConcurrent != 7 {
		t.Fatalf("env did not override file: %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.Agent.Token != "labA:driver:d1" {
		t.Fatalf("agent token = %q", cfg.Agent.Token)
	}
	if cfg.Realtime.ReconnectMax != 10*time.Second {
		t.Fatalf("reconnect max = %v", cfg.Realtime.ReconnectMax)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateAggregates(t *testing.T) {
	t.Setenv("LABPORTAL_CACHE_TIER", "redis")
	t.Setenv("LABPORTAL_REALTIME_RELAY", "nats")
	t.Setenv("LABPORTAL_QUEUE_STORE", "sqlite")
	_, err := Load("")
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"redis.url", "nats.url", "queue.store"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %s", err, want)
		}
	}
}
