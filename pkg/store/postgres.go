package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS cases (
	id TEXT PRIMARY KEY,
	patient_ref TEXT NOT NULL,
	procedure_code TEXT NOT NULL,
	requested_value TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	assignee TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS analyses (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL REFERENCES cases(id),
	analysis_type TEXT NOT NULL,
	recommendation TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	risk_score DOUBLE PRECISION NOT NULL,
	findings TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
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
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	case_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	PRIMARY KEY (case_id, sequence)
);

CREATE TABLE IF NOT EXISTS outbox (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	case_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	available_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(status, available_at);
`

// OpenPostgres connects to url and returns a migrated store.
func OpenPostgres(ctx context.Context, url string) (*SQLStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an already-open handle without migrating (tests use
// sqlmock here).
func NewPostgres(db *sql.DB) *SQLStore {
	return &SQLStore{sqlStore: sqlStore{q: db, bind: rebindDollar}, db: db}
}
