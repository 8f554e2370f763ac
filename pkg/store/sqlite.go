package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cases (
	id TEXT PRIMARY KEY,
	patient_ref TEXT NOT NULL,
	procedure_code TEXT NOT NULL,
	requested_value TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	assignee TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS analyses (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL REFERENCES cases(id),
	analysis_type TEXT NOT NULL,
	recommendation TEXT NOT NULL,
	confidence REAL NOT NULL,
	risk_score REAL NOT NULL,
	findings TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analyses_case ON analyses(case_id, analysis_type, created_at);

CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL UNIQUE REFERENCES cases(id),
	decider_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	justification TEXT NOT NULL,
	authorized_value TEXT,
	analysis_id TEXT NOT NULL DEFAULT '',
	audit_hash TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	case_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	PRIMARY KEY (case_id, sequence)
);

CREATE TABLE IF NOT EXISTS outbox (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	case_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	available_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(status, available_at);
`

// OpenSQLite opens (or creates) a SQLite database at dsn and returns a
// migrated store. Use "file::memory:?cache=shared" for an in-memory
// database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes per connection; a single connection
	// avoids SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLStore{sqlStore: sqlStore{q: db, bind: passthrough}, db: db}, nil
}

// NewSQLite wraps an already-open sqlite handle (tests).
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLStore{sqlStore: sqlStore{q: db, bind: passthrough}, db: db}, nil
}

// Close releases the underlying handle.
func (s *SQLStore) Close() error { return s.db.Close() }
