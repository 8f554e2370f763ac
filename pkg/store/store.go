// Package store is the persistence collaborator: transactional read/write
// of cases, analyses, decisions, audit entries and outbox events, with
// compare-and-swap on case status+version as the only mutation path for
// case state. Three implementations are provided: in-memory (tests),
// SQLite (modernc.org/sqlite) and Postgres (lib/pq).
package store

import (
	"context"
	"time"

	"github.com/clearline-health/authcore/pkg/contracts"
)

// Outbox event delivery states.
const (
	OutboxPending   = "pending"
	OutboxDelivered = "delivered"
	OutboxDead      = "dead"
)

// OutboxRecord wraps a domain event queued for at-least-once delivery.
type OutboxRecord struct {
	Event       contracts.Event
	Status      string
	Attempts    int
	AvailableAt time.Time
}

// Store is the unit-of-work surface. Implementations returned by
// TxStore.WithinTx scope every call to one transaction, so a state
// transition, its decision, its audit entry and its outbox event either
// all persist or none do.
type Store interface {
	CreateCase(ctx context.Context, c *contracts.Case) error
	GetCase(ctx context.Context, id string) (*contracts.Case, error)
	ListCases(ctx context.Context, status contracts.CaseStatus, assignee string) ([]*contracts.Case, error)

	// UpdateCaseCAS moves the case to newStatus with the given assignee,
	// but only if its current status and version still match the values
	// the caller read. On success the version is incremented; on a stale
	// read it returns *contracts.ConflictError and writes nothing.
	UpdateCaseCAS(ctx context.Context, id string, expectStatus contracts.CaseStatus, expectVersion int64, newStatus contracts.CaseStatus, assignee string) (*contracts.Case, error)

	CreateAnalysis(ctx context.Context, a *contracts.AIAnalysis) error
	ActiveAnalysis(ctx context.Context, caseID string, t contracts.AnalysisType) (*contracts.AIAnalysis, error)
	ListAnalyses(ctx context.Context, caseID string) ([]*contracts.AIAnalysis, error)

	CreateDecision(ctx context.Context, d *contracts.Decision) error
	GetDecision(ctx context.Context, caseID string) (*contracts.Decision, error)

	AppendAudit(ctx context.Context, e *contracts.AuditLogEntry) error
	AuditChain(ctx context.Context, caseID string) ([]*contracts.AuditLogEntry, error)
	LastAudit(ctx context.Context, caseID string) (*contracts.AuditLogEntry, error)

	EnqueueEvent(ctx context.Context, ev *contracts.Event) error
	PendingEvents(ctx context.Context, limit int) ([]*OutboxRecord, error)
	MarkEventDelivered(ctx context.Context, eventID string) error
	MarkEventFailed(ctx context.Context, eventID string, attempts int, retryAt time.Time, dead bool) error
}

// TxStore is a Store that can open transactions.
type TxStore interface {
	Store

	// WithinTx runs fn against a transaction-scoped Store. fn returning an
	// error rolls everything back; otherwise the transaction commits.
	WithinTx(ctx context.Context, fn func(Store) error) error
}
