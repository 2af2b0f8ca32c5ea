// Package store is the document store for the memory core: a SQLite
// database holding the request log, promoted memory cells, derived
// records, profiles, and per-group clustering state.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection for the memory store.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens or creates the memory database under dataDir.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "memory.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &DB{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// SQL exposes the underlying handle so the search indexes can share the
// same database file.
func (s *DB) SQL() *sql.DB {
	return s.db
}

// migrate creates the schema.
func (s *DB) migrate() error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Request log: every ingested message, system of record for replay
	CREATE TABLE IF NOT EXISTS request_log (
		message_id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL DEFAULT '',
		sender_id TEXT NOT NULL,
		sender_name TEXT,
		role TEXT,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		refer_list TEXT,
		payload TEXT,
		sync_status INTEGER NOT NULL DEFAULT -1,
		ingested_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_request_log_group_time ON request_log(group_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_request_log_status ON request_log(sync_status);
	CREATE INDEX IF NOT EXISTS idx_request_log_sender ON request_log(sender_id);

	-- Memory cells (promoted episodes)
	CREATE TABLE IF NOT EXISTS memcells (
		event_id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		participants TEXT,
		timestamp DATETIME NOT NULL,
		subject TEXT NOT NULL,
		summary TEXT NOT NULL,
		episode TEXT NOT NULL,
		original_data TEXT,
		embedding BLOB,
		embedding_model TEXT,
		cell_type TEXT,
		keywords TEXT,
		linked_entities TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_memcells_group_time ON memcells(group_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_memcells_user ON memcells(user_id);

	-- Atomic events derived from memcells
	CREATE TABLE IF NOT EXISTS atomic_events (
		log_id TEXT PRIMARY KEY,
		parent_event_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		group_id TEXT NOT NULL DEFAULT '',
		participants TEXT,
		event_type TEXT,
		timestamp DATETIME NOT NULL,
		atomic_fact TEXT NOT NULL,
		embedding BLOB,
		embedding_model TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (parent_event_id) REFERENCES memcells(event_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_atomic_events_parent ON atomic_events(parent_event_id);
	CREATE INDEX IF NOT EXISTS idx_atomic_events_group_time ON atomic_events(group_id, timestamp);

	-- Semantic memories with validity intervals
	CREATE TABLE IF NOT EXISTS semantic_memories (
		memory_id TEXT PRIMARY KEY,
		parent_event_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		group_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		evidence TEXT,
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		duration_days INTEGER,
		embedding BLOB,
		embedding_model TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (parent_event_id) REFERENCES memcells(event_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_semantic_parent ON semantic_memories(parent_event_id);
	CREATE INDEX IF NOT EXISTS idx_semantic_user_start ON semantic_memories(user_id, start_time);

	-- Versioned per-user profiles
	CREATE TABLE IF NOT EXISTS profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL,
		is_latest BOOLEAN NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_id, group_id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_profiles_scope ON profiles(user_id, group_id, is_latest);

	-- Per-group clustering state, replaced atomically as a whole
	CREATE TABLE IF NOT EXISTS cluster_state (
		group_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Conversation metadata and ingest watermarks
	CREATE TABLE IF NOT EXISTS conversation_meta (
		group_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversation_status (
		group_id TEXT PRIMARY KEY,
		old_msg_start_time DATETIME,
		new_msg_start_time DATETIME,
		last_memcell_time DATETIME
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Stats returns row counts per table.
func (s *DB) Stats() (map[string]int, error) {
	stats := make(map[string]int)
	tables := []string{
		"request_log", "memcells", "atomic_events", "semantic_memories",
		"profiles", "cluster_state",
	}
	for _, table := range tables {
		var count int
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, err
		}
		stats[table] = count
	}
	return stats, nil
}

// Clear removes all data (for testing/reset).
func (s *DB) Clear() error {
	tables := []string{
		"semantic_memories", "atomic_events", "memcells", "request_log",
		"profiles", "cluster_state", "conversation_meta", "conversation_status",
	}
	for _, table := range tables {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// marshalJSON serializes v for a TEXT/BLOB column, mapping empty values to NULL.
func marshalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if string(data) == "null" || string(data) == "[]" || string(data) == "{}" {
		return nil
	}
	return data
}

// nullableTime converts a time.Time to sql.NullTime.
func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// nullableTimePtr converts a *time.Time to sql.NullTime.
func nullableTimePtr(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
