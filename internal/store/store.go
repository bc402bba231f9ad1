// Package store is the relational layer under the memory pipeline: raw
// turns, summaries, graph-ingestion batches, daemon traces, and terminal
// sessions. SQLite in WAL mode is the concurrency arbiter for the whole
// service; the batch-claim transaction here is what makes graph promotion
// exactly-once.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store wraps the conversations database. Safe for concurrent use; writers
// serialize inside SQLite with a 5s busy timeout.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. The _pragma DSN options apply per connection, which matters
// because database/sql pools them.
func Open(path string, logger *zap.Logger) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(2 * time.Hour)

	s := &Store{db: db, path: path, logger: logger.Named("store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("relational store ready", zap.String("path", path))
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TEXT NOT NULL,
		channel TEXT NOT NULL,
		author_name TEXT NOT NULL,
		is_lyra INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL,
		session_id TEXT,
		external_id TEXT,
		summary_id INTEGER,
		graphiti_batch_id INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_messages_unsummarized ON messages(id) WHERE summary_id IS NULL;
	CREATE INDEX IF NOT EXISTS idx_messages_uningested ON messages(id) WHERE graphiti_batch_id IS NULL;
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external
		ON messages(session_id, external_id)
		WHERE external_id IS NOT NULL AND external_id != '';

	CREATE TABLE IF NOT EXISTS message_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		summary_text TEXT NOT NULL,
		start_message_id INTEGER NOT NULL,
		end_message_id INTEGER NOT NULL,
		message_count INTEGER NOT NULL,
		channels TEXT NOT NULL DEFAULT '[]',
		summary_type TEXT NOT NULL DEFAULT 'mixed',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_range ON message_summaries(start_message_id, end_message_id);
	CREATE INDEX IF NOT EXISTS idx_summaries_created ON message_summaries(created_at DESC);

	CREATE TABLE IF NOT EXISTS graphiti_batches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		turn_range TEXT NOT NULL DEFAULT '',
		channels TEXT NOT NULL DEFAULT '[]',
		error_category TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_batches_status ON graphiti_batches(status, created_at);

	CREATE TABLE IF NOT EXISTS daemon_traces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL DEFAULT '',
		daemon_type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_data TEXT NOT NULL DEFAULT '{}',
		duration_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_traces_time ON daemon_traces(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_traces_type ON daemon_traces(daemon_type, event_type);

	CREATE TABLE IF NOT EXISTS terminal_sessions (
		session_id TEXT PRIMARY KEY,
		start_time TEXT NOT NULL,
		end_time TEXT,
		cwd TEXT,
		metadata TEXT NOT NULL DEFAULT '{}'
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Health verifies the database answers queries.
func (s *Store) Health(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("store: health: %w", err)
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// placeholders renders "?,?,?" for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
