package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/echolabs/echo-dispatch/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":7860" {
		t.Errorf("expected :7860, got %s", cfg.Listen)
	}
	if cfg.RateLimit.PerMinute != 30 {
		t.Errorf("expected 30 req/min, got %d", cfg.RateLimit.PerMinute)
	}
	if cfg.Cache.ChatTTL != 5*time.Minute {
		t.Errorf("expected 5m chat TTL, got %v", cfg.Cache.ChatTTL)
	}
	if cfg.Limits.MaxHistoryTurns != 100 {
		t.Errorf("expected 100 turn cap, got %d", cfg.Limits.MaxHistoryTurns)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "nvapi-test-123")

	content := `
listen: ":9090"
providers:
  - name: nvidia
    url: https://integrate.api.nvidia.com/v1
    model: nvidia/llama-3.1-nemotron-nano-4b-v1.1
    api_keys:
      - ${TEST_API_KEY}
      - nvapi-second
rate_limit:
  per_minute: 10
  window: 30s
cache:
  enabled: true
  max_entries: 100
  chat_ttl: 2m
audit:
  enabled: true
  db_path: audit.db
  retention_days: 7
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Providers[0].APIKeys[0] != "nvapi-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Providers[0].APIKeys[0])
	}
	if cfg.RateLimit.PerMinute != 10 {
		t.Errorf("expected 10 req/min, got %d", cfg.RateLimit.PerMinute)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("expected 30s window, got %v", cfg.RateLimit.Window)
	}
	if cfg.Cache.ChatTTL != 2*time.Minute {
		t.Errorf("expected 2m chat TTL, got %v", cfg.Cache.ChatTTL)
	}
	// Unset fields keep defaults
	if cfg.Cache.DailyTTL != 24*time.Hour {
		t.Errorf("expected default daily TTL, got %v", cfg.Cache.DailyTTL)
	}
	if !cfg.Audit.Enabled {
		t.Error("expected audit enabled")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestActiveExplicit(t *testing.T) {
	cfg := Default()
	cfg.Providers = []ProviderConfig{
		{Name: "a", APIKeys: []string{"k1"}},
		{Name: "b", APIKeys: []string{"k2"}},
	}
	cfg.ActiveProvider = "b"

	p, ok := cfg.Active()
	if !ok || p.Name != "b" {
		t.Errorf("expected provider b, got %+v ok=%v", p, ok)
	}

	cfg.ActiveProvider = "missing"
	if _, ok := cfg.Active(); ok {
		t.Error("expected no active provider for unknown name")
	}
}

func TestActiveFirstWithKeys(t *testing.T) {
	cfg := Default()
	cfg.Providers = []ProviderConfig{
		{Name: "empty"},
		{Name: "ready", APIKeys: []string{"k1"}},
	}

	p, ok := cfg.Active()
	if !ok || p.Name != "ready" {
		t.Errorf("expected first provider with keys, got %+v ok=%v", p, ok)
	}
}

func TestTTLFor(t *testing.T) {
	cfg := Default()
	if cfg.TTLFor(models.ClassChat) != 5*time.Minute {
		t.Error("chat TTL mismatch")
	}
	if cfg.TTLFor(models.ClassStory) != 10*time.Minute {
		t.Error("story TTL mismatch")
	}
	if cfg.TTLFor(models.ClassDaily) != 24*time.Hour {
		t.Error("daily TTL mismatch")
	}
	if cfg.TTLFor("") != 5*time.Minute {
		t.Error("unknown class should fall back to chat TTL")
	}
}
