package models

import "time"

// AuditEntry records the outcome of a single dispatch.
type AuditEntry struct {
	RequestID    string    `json:"request_id"`
	CallerHash   string    `json:"caller_hash"`
	CallerPrefix string    `json:"caller_prefix"`
	Class        string    `json:"class"`
	Level        string    `json:"level"`
	Language     string    `json:"language"`
	Provider     string    `json:"provider"`
	Outcome      string    `json:"outcome"`
	CacheHit     bool      `json:"cache_hit"`
	Streamed     bool      `json:"streamed"`
	LatencyMs    int64     `json:"latency_ms"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditConfig controls the dispatch audit log.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}
