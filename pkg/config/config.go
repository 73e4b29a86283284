package config

import (
	"fmt"
	"os"
	"time"

	"github.com/echolabs/echo-dispatch/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all echo-dispatch configuration.
type Config struct {
	Listen         string             `yaml:"listen"`
	ActiveProvider string             `yaml:"active_provider"`
	Providers      []ProviderConfig   `yaml:"providers"`
	RateLimit      RateLimitConfig    `yaml:"rate_limit"`
	Cache          CacheConfig        `yaml:"cache"`
	Limits         LimitsConfig       `yaml:"limits"`
	Audit          models.AuditConfig `yaml:"audit"`
}

// ProviderConfig defines an upstream LLM provider. APIKeys is a rotating
// credential pool; one key is picked at random per call.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	APIKeys []string      `yaml:"api_keys"`
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig controls the per-caller sliding window limiter.
type RateLimitConfig struct {
	PerMinute int           `yaml:"per_minute"`
	Window    time.Duration `yaml:"window"`
}

// CacheConfig controls the in-memory response cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int           `yaml:"max_entries"`
	ChatTTL    time.Duration `yaml:"chat_ttl"`
	StoryTTL   time.Duration `yaml:"story_ttl"`
	VocabTTL   time.Duration `yaml:"vocab_ttl"`
	DailyTTL   time.Duration `yaml:"daily_ttl"`
}

// LimitsConfig bounds untrusted request sizes before they reach the provider.
type LimitsConfig struct {
	MaxHistoryTurns int `yaml:"max_history_turns"`
	MaxTurnLength   int `yaml:"max_turn_length"`
	ShortWords      int `yaml:"short_words"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":7860",
		RateLimit: RateLimitConfig{
			PerMinute: 30,
			Window:    time.Minute,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 500,
			ChatTTL:    5 * time.Minute,
			StoryTTL:   10 * time.Minute,
			VocabTTL:   10 * time.Minute,
			DailyTTL:   24 * time.Hour,
		},
		Limits: LimitsConfig{
			MaxHistoryTurns: 100,
			MaxTurnLength:   4000,
			ShortWords:      2,
		},
		Audit: models.AuditConfig{
			Enabled:       false,
			DBPath:        "echo-audit.db",
			RetentionDays: 30,
		},
	}
}

// TTLFor returns the cache TTL for a request class.
func (c *Config) TTLFor(class models.Class) time.Duration {
	switch class {
	case models.ClassStory:
		return c.Cache.StoryTTL
	case models.ClassVocab:
		return c.Cache.VocabTTL
	case models.ClassDaily:
		return c.Cache.DailyTTL
	default:
		return c.Cache.ChatTTL
	}
}

// Active returns the provider selected by policy: the one named in
// active_provider, else the first provider with a non-empty credential pool.
func (c *Config) Active() (ProviderConfig, bool) {
	if c.ActiveProvider != "" {
		for _, p := range c.Providers {
			if p.Name == c.ActiveProvider {
				return p, true
			}
		}
		return ProviderConfig{}, false
	}
	for _, p := range c.Providers {
		if len(p.APIKeys) > 0 {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}
