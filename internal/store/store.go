// Package store persists supervisor state in a single sqlite database:
// ingested messages, chat metadata, registered groups, agent sessions,
// router watermarks and scheduled tasks. All timestamps are stored as
// fixed-width UTC strings so lexicographic order matches chronological
// order.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// TimestampFormat is the canonical wire format for message timestamps.
// Fixed width keeps string comparison consistent with time comparison.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	mentions_bot INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_channel_time ON messages(channel_id, timestamp);

CREATE TABLE IF NOT EXISTS chats (
	jid TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	last_message_time TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS registered_groups (
	channel_id TEXT PRIMARY KEY,
	config_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	group_folder TEXT PRIMARY KEY,
	session_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS router_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	group_folder TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	prompt TEXT NOT NULL,
	schedule_type TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	context_mode TEXT NOT NULL DEFAULT 'group',
	status TEXT NOT NULL DEFAULT 'active',
	next_run TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run);
`

// Store wraps the sqlite database holding all supervisor state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at dbPath and applies
// the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
