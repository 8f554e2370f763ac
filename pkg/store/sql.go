package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearline-health/authcore/pkg/contracts"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlStore implements Store over database/sql. Queries are written with
// `?` placeholders and rebound for Postgres.
type sqlStore struct {
	q    querier
	bind func(string) string
}

// SQLStore is a TxStore backed by SQLite or Postgres.
type SQLStore struct {
	sqlStore
	db *sql.DB
}

// WithinTx runs fn against a transaction-scoped store.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&sqlStore{q: tx, bind: s.bind}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// passthrough keeps `?` placeholders (SQLite).
func passthrough(q string) string { return q }

// rebindDollar rewrites `?` placeholders to `$1..$n` (Postgres).
func rebindDollar(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) CreateCase(ctx context.Context, c *contracts.Case) error {
	query := s.bind(`
		INSERT INTO cases (id, patient_ref, procedure_code, requested_value, priority, status, assignee, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.q.ExecContext(ctx, query,
		c.ID, c.PatientRef, c.ProcedureCode, c.RequestedValue.String(),
		string(c.Priority), string(c.Status), c.Assignee, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

const caseColumns = `id, patient_ref, procedure_code, requested_value, priority, status, assignee, version, created_at, updated_at`

func (s *sqlStore) scanCase(row interface{ Scan(...any) error }) (*contracts.Case, error) {
	var c contracts.Case
	var value, priority, status string
	if err := row.Scan(&c.ID, &c.PatientRef, &c.ProcedureCode, &value, &priority, &status,
		&c.Assignee, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("corrupt requested_value for case %s: %w", c.ID, err)
	}
	c.RequestedValue = v
	c.Priority = contracts.Priority(priority)
	c.Status = contracts.CaseStatus(status)
	return &c, nil
}

func (s *sqlStore) GetCase(ctx context.Context, id string) (*contracts.Case, error) {
	row := s.q.QueryRowContext(ctx, s.bind(`SELECT `+caseColumns+` FROM cases WHERE id = ?`), id)
	c, err := s.scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Kind: "case", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	return c, nil
}

func (s *sqlStore) ListCases(ctx context.Context, status contracts.CaseStatus, assignee string) ([]*contracts.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE 1=1`
	args := make([]any, 0, 2)
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if assignee != "" {
		query += ` AND assignee = ?`
		args = append(args, assignee)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.q.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.Case, 0)
	for rows.Next() {
		c, err := s.scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateCaseCAS(ctx context.Context, id string, expectStatus contracts.CaseStatus, expectVersion int64, newStatus contracts.CaseStatus, assignee string) (*contracts.Case, error) {
	query := s.bind(`
		UPDATE cases
		SET status = ?, assignee = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?
	`)
	res, err := s.q.ExecContext(ctx, query,
		string(newStatus), assignee, time.Now().UTC(), id, string(expectStatus), expectVersion)
	if err != nil {
		return nil, fmt.Errorf("cas update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("cas rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish an unknown case from a stale read.
		if _, err := s.GetCase(ctx, id); err != nil {
			return nil, err
		}
		return nil, &contracts.ConflictError{Reason: "case " + id + " status/version changed concurrently"}
	}
	return s.GetCase(ctx, id)
}

func (s *sqlStore) CreateAnalysis(ctx context.Context, a *contracts.AIAnalysis) error {
	query := s.bind(`
		INSERT INTO analyses (id, case_id, analysis_type, recommendation, confidence, risk_score, findings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.q.ExecContext(ctx, query,
		a.ID, a.CaseID, string(a.Type), string(a.Recommendation),
		a.Confidence, a.RiskScore, a.Findings, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

const analysisColumns = `id, case_id, analysis_type, recommendation, confidence, risk_score, findings, created_at`

func scanAnalysis(row interface{ Scan(...any) error }) (*contracts.AIAnalysis, error) {
	var a contracts.AIAnalysis
	var at, rec string
	if err := row.Scan(&a.ID, &a.CaseID, &at, &rec, &a.Confidence, &a.RiskScore, &a.Findings, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Type = contracts.AnalysisType(at)
	a.Recommendation = contracts.Recommendation(rec)
	return &a, nil
}

func (s *sqlStore) ActiveAnalysis(ctx context.Context, caseID string, t contracts.AnalysisType) (*contracts.AIAnalysis, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE case_id = ?`
	args := []any{caseID}
	if t != "" {
		query += ` AND analysis_type = ?`
		args = append(args, string(t))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	row := s.q.QueryRowContext(ctx, s.bind(query), args...)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Kind: "analysis", ID: caseID}
	}
	if err != nil {
		return nil, fmt.Errorf("active analysis: %w", err)
	}
	return a, nil
}

func (s *sqlStore) ListAnalyses(ctx context.Context, caseID string) ([]*contracts.AIAnalysis, error) {
	query := s.bind(`SELECT ` + analysisColumns + ` FROM analyses WHERE case_id = ? ORDER BY created_at ASC, id ASC`)
	rows, err := s.q.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.AIAnalysis, 0)
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateDecision(ctx context.Context, d *contracts.Decision) error {
	var authorized sql.NullString
	if d.AuthorizedValue != nil {
		authorized = sql.NullString{String: d.AuthorizedValue.String(), Valid: true}
	}
	query := s.bind(`
		INSERT INTO decisions (id, case_id, decider_id, outcome, justification, authorized_value, analysis_id, audit_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.q.ExecContext(ctx, query,
		d.ID, d.CaseID, d.DeciderID, string(d.Outcome), d.Justification,
		authorized, d.AnalysisID, d.AuditHash, d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &contracts.ConflictError{Reason: "decision already exists for case " + d.CaseID}
		}
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// isUniqueViolation matches the unique-constraint error text of both
// drivers; neither exports a stable typed error for it through database/sql.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

func (s *sqlStore) GetDecision(ctx context.Context, caseID string) (*contracts.Decision, error) {
	query := s.bind(`
		SELECT id, case_id, decider_id, outcome, justification, authorized_value, analysis_id, audit_hash, created_at
		FROM decisions WHERE case_id = ?
	`)
	var d contracts.Decision
	var outcome string
	var authorized sql.NullString
	err := s.q.QueryRowContext(ctx, query, caseID).Scan(
		&d.ID, &d.CaseID, &d.DeciderID, &outcome, &d.Justification,
		&authorized, &d.AnalysisID, &d.AuditHash, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Kind: "decision", ID: caseID}
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	d.Outcome = contracts.Outcome(outcome)
	if authorized.Valid {
		v, err := decimal.NewFromString(authorized.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt authorized_value for case %s: %w", caseID, err)
		}
		d.AuthorizedValue = &v
	}
	return &d, nil
}

func (s *sqlStore) AppendAudit(ctx context.Context, e *contracts.AuditLogEntry) error {
	query := s.bind(`
		INSERT INTO audit_log (case_id, sequence, event_type, payload, timestamp, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.q.ExecContext(ctx, query,
		e.CaseID, e.Sequence, e.EventType, string(e.Payload), e.Timestamp, e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *sqlStore) AuditChain(ctx context.Context, caseID string) ([]*contracts.AuditLogEntry, error) {
	query := s.bind(`
		SELECT sequence, case_id, event_type, payload, timestamp, prev_hash, hash
		FROM audit_log WHERE case_id = ? ORDER BY sequence ASC
	`)
	rows, err := s.q.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("audit chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.AuditLogEntry, 0)
	for rows.Next() {
		var e contracts.AuditLogEntry
		var payload string
		if err := rows.Scan(&e.Sequence, &e.CaseID, &e.EventType, &payload, &e.Timestamp, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = []byte(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *sqlStore) LastAudit(ctx context.Context, caseID string) (*contracts.AuditLogEntry, error) {
	query := s.bind(`
		SELECT sequence, case_id, event_type, payload, timestamp, prev_hash, hash
		FROM audit_log WHERE case_id = ? ORDER BY sequence DESC LIMIT 1
	`)
	var e contracts.AuditLogEntry
	var payload string
	err := s.q.QueryRowContext(ctx, query, caseID).Scan(
		&e.Sequence, &e.CaseID, &e.EventType, &payload, &e.Timestamp, &e.PrevHash, &e.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Kind: "audit entry", ID: caseID}
	}
	if err != nil {
		return nil, fmt.Errorf("last audit: %w", err)
	}
	e.Payload = []byte(payload)
	return &e, nil
}

func (s *sqlStore) EnqueueEvent(ctx context.Context, ev *contracts.Event) error {
	query := s.bind(`
		INSERT INTO outbox (event_id, event_type, case_id, payload, occurred_at, status, attempts, available_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`)
	_, err := s.q.ExecContext(ctx, query,
		ev.ID, ev.Type, ev.CaseID, string(ev.Payload), ev.OccurredAt, OutboxPending, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

func (s *sqlStore) PendingEvents(ctx context.Context, limit int) ([]*OutboxRecord, error) {
	query := s.bind(`
		SELECT event_id, event_type, case_id, payload, occurred_at, status, attempts, available_at
		FROM outbox
		WHERE status = ? AND available_at <= ?
		ORDER BY occurred_at ASC
		LIMIT ?
	`)
	rows, err := s.q.QueryContext(ctx, query, OutboxPending, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*OutboxRecord, 0)
	for rows.Next() {
		var r OutboxRecord
		var payload string
		if err := rows.Scan(&r.Event.ID, &r.Event.Type, &r.Event.CaseID, &payload,
			&r.Event.OccurredAt, &r.Status, &r.Attempts, &r.AvailableAt); err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		r.Event.Payload = []byte(payload)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkEventDelivered(ctx context.Context, eventID string) error {
	query := s.bind(`UPDATE outbox SET status = ? WHERE event_id = ?`)
	_, err := s.q.ExecContext(ctx, query, OutboxDelivered, eventID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (s *sqlStore) MarkEventFailed(ctx context.Context, eventID string, attempts int, retryAt time.Time, dead bool) error {
	status := OutboxPending
	if dead {
		status = OutboxDead
	}
	query := s.bind(`UPDATE outbox SET status = ?, attempts = ?, available_at = ? WHERE event_id = ?`)
	_, err := s.q.ExecContext(ctx, query, status, attempts, retryAt, eventID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}
