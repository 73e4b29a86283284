package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/echolabs/echo-dispatch/pkg/models"
)

// Logger records dispatch outcomes in a dedicated SQLite database. A nil
// Logger is valid and drops everything, so the pipeline can run unaudited.
type Logger struct {
	db   *sql.DB
	cfg  models.AuditConfig
	done chan struct{}
	wg   sync.WaitGroup
}

const createTable = `
CREATE TABLE IF NOT EXISTS dispatch_log (
	request_id    TEXT PRIMARY KEY,
	caller_hash   TEXT NOT NULL,
	caller_prefix TEXT NOT NULL,
	class         TEXT NOT NULL,
	level         TEXT,
	language      TEXT,
	provider      TEXT,
	outcome       TEXT NOT NULL,
	cache_hit     INTEGER NOT NULL DEFAULT 0,
	streamed      INTEGER NOT NULL DEFAULT 0,
	latency_ms    INTEGER NOT NULL,
	detail        TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_dispatch_outcome ON dispatch_log(outcome);
CREATE INDEX IF NOT EXISTS idx_dispatch_created ON dispatch_log(created_at);
CREATE INDEX IF NOT EXISTS idx_dispatch_caller ON dispatch_log(caller_prefix);
`

// New opens the audit database and starts the retention loop.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

// Log inserts one dispatch record.
func (l *Logger) Log(ctx context.Context, entry models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dispatch_log
		(request_id, caller_hash, caller_prefix, class, level, language,
		 provider, outcome, cache_hit, streamed, latency_ms, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.CallerHash, entry.CallerPrefix,
		entry.Class, entry.Level, entry.Language,
		entry.Provider, entry.Outcome, boolToInt(entry.CacheHit),
		boolToInt(entry.Streamed), entry.LatencyMs, entry.Detail, entry.CreatedAt,
	)
	return err
}

// Recent returns the most recent dispatch records, newest first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT request_id, caller_hash, caller_prefix, class, level, language,
		        provider, outcome, cache_hit, streamed, latency_ms, detail, created_at
		 FROM dispatch_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var level, language, provider, detail sql.NullString
		var cacheHit, streamed int
		if err := rows.Scan(
			&e.RequestID, &e.CallerHash, &e.CallerPrefix, &e.Class,
			&level, &language, &provider, &e.Outcome,
			&cacheHit, &streamed, &e.LatencyMs, &detail, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Level = level.String
		e.Language = language.String
		e.Provider = provider.String
		e.Detail = detail.String
		e.CacheHit = cacheHit != 0
		e.Streamed = streamed != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM dispatch_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}

// HashCaller returns the SHA-256 hex hash and 8-char prefix for a caller
// identity. Raw identities never reach the audit log.
func HashCaller(identity string) (hash, prefix string) {
	h := sha256.Sum256([]byte(identity))
	hash = hex.EncodeToString(h[:])
	if len(identity) > 8 {
		prefix = identity[:8]
	} else {
		prefix = identity
	}
	return hash, prefix
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
