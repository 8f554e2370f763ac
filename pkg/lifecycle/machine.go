// Package lifecycle implements the case state machine:
//
//	pending → in_review → {approved | denied | partial}
//	in_review → pending (unassignment)
//
// Terminal states are absorbing. Every state-changing operation runs as
// one unit of work: the compare-and-swap on case status+version, the
// decision write (for Commit), the audit append and the outbox event
// either all commit or none do. Unrelated cases never contend; competing
// writers on one case race on the CAS and exactly one wins.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearline-health/authcore/pkg/audit"
	"github.com/clearline-health/authcore/pkg/canonicalize"
	"github.com/clearline-health/authcore/pkg/contracts"
	"github.com/clearline-health/authcore/pkg/store"
)

// SubmitInput carries the fields of a new authorization request.
type SubmitInput struct {
	PatientRef     string             `json:"patient_ref"`
	ProcedureCode  string             `json:"procedure_code"`
	RequestedValue decimal.Decimal    `json:"requested_value"`
	Priority       contracts.Priority `json:"priority"`
}

// Machine coordinates case transitions against the persistence
// collaborator. Construct one per process and hand it to the decision
// engine and orchestrator; it keeps no case state of its own beyond the
// integrity quarantine set.
type Machine struct {
	store store.TxStore
	audit *audit.Writer
	clock func() time.Time
	log   *slog.Logger

	quarantineMu sync.RWMutex
	quarantined  map[string]struct{}
}

// NewMachine wires the state machine to its store and audit writer.
func NewMachine(s store.TxStore, w *audit.Writer) *Machine {
	return &Machine{
		store:       s,
		audit:       w,
		clock:       time.Now,
		log:         slog.Default().With("component", "lifecycle"),
		quarantined: make(map[string]struct{}),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// WithLogger replaces the default logger.
func (m *Machine) WithLogger(log *slog.Logger) *Machine {
	m.log = log.With("component", "lifecycle")
	return m
}

// Submit validates the request and creates the case in `pending`,
// appending the CASE_CREATED audit entry and queueing the case.created
// event in the same unit of work.
func (m *Machine) Submit(ctx context.Context, in SubmitInput) (*contracts.Case, error) {
	if in.PatientRef == "" {
		return nil, &contracts.ValidationError{Field: "patient_ref", Reason: "must not be empty"}
	}
	if !contracts.ValidProcedureCode(in.ProcedureCode) {
		return nil, &contracts.ValidationError{Field: "procedure_code", Reason: "malformed code"}
	}
	if !in.RequestedValue.IsPositive() {
		return nil, &contracts.ValidationError{Field: "requested_value", Reason: "must be positive"}
	}
	if !in.Priority.Valid() {
		return nil, &contracts.ValidationError{Field: "priority", Reason: "unknown priority"}
	}

	now := m.clock().UTC()
	c := &contracts.Case{
		ID:             uuid.New().String(),
		PatientRef:     in.PatientRef,
		ProcedureCode:  in.ProcedureCode,
		RequestedValue: in.RequestedValue,
		Priority:       in.Priority,
		Status:         contracts.StatusPending,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := m.store.WithinTx(ctx, func(s store.Store) error {
		if err := s.CreateCase(ctx, c); err != nil {
			return err
		}
		if _, err := m.audit.Append(ctx, s, c.ID, contracts.AuditCaseCreated, c); err != nil {
			return err
		}
		return m.queueEvent(ctx, s, contracts.EventCaseCreated, c.ID, c)
	})
	if err != nil {
		return nil, err
	}

	m.log.InfoContext(ctx, "case submitted",
		"case_id", c.ID, "procedure_code", c.ProcedureCode, "priority", string(c.Priority))
	return c, nil
}

// Assign moves a pending, unassigned case to in_review under auditorID.
func (m *Machine) Assign(ctx context.Context, caseID, auditorID string) (*contracts.Case, error) {
	if auditorID == "" {
		return nil, &contracts.ValidationError{Field: "auditor_id", Reason: "must not be empty"}
	}
	if err := m.guardQuarantine(caseID); err != nil {
		return nil, err
	}

	c, err := m.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status != contracts.StatusPending {
		return nil, &contracts.ConflictError{Reason: fmt.Sprintf("case %s is %s, not pending", caseID, c.Status)}
	}
	if c.Assignee != "" {
		return nil, &contracts.ConflictError{Reason: "case " + caseID + " is already assigned"}
	}

	var updated *contracts.Case
	err = m.store.WithinTx(ctx, func(s store.Store) error {
		updated, err = s.UpdateCaseCAS(ctx, caseID, contracts.StatusPending, c.Version, contracts.StatusInReview, auditorID)
		if err != nil {
			return err
		}
		_, err = m.audit.Append(ctx, s, caseID, contracts.AuditCaseAssigned, map[string]any{
			"case_id":  caseID,
			"assignee": auditorID,
			"version":  updated.Version,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.InfoContext(ctx, "case assigned", "case_id", caseID, "auditor_id", auditorID)
	return updated, nil
}

// Unassign returns an in_review case with no committed decision to the
// pending pool.
func (m *Machine) Unassign(ctx context.Context, caseID string) (*contracts.Case, error) {
	if err := m.guardQuarantine(caseID); err != nil {
		return nil, err
	}

	c, err := m.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status != contracts.StatusInReview {
		return nil, &contracts.ConflictError{Reason: fmt.Sprintf("case %s is %s, not in_review", caseID, c.Status)}
	}

	previous := c.Assignee
	var updated *contracts.Case
	err = m.store.WithinTx(ctx, func(s store.Store) error {
		updated, err = s.UpdateCaseCAS(ctx, caseID, contracts.StatusInReview, c.Version, contracts.StatusPending, "")
		if err != nil {
			return err
		}
		_, err = m.audit.Append(ctx, s, caseID, contracts.AuditCaseUnassigned, map[string]any{
			"case_id":           caseID,
			"previous_assignee": previous,
			"version":           updated.Version,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.InfoContext(ctx, "case unassigned", "case_id", caseID, "previous_assignee", previous)
	return updated, nil
}

// CommitExtras annotates the DECISION_COMMITTED audit entry.
type CommitExtras struct {
	RuleVerdict    string   `json:"rule_verdict,omitempty"`
	TriggeredRules []string `json:"triggered_rules,omitempty"`
	Override       bool     `json:"override,omitempty"`
}

// Commit atomically verifies that no decision exists for the case, writes
// the decision and moves the case to the terminal status matching the
// outcome. Competing commits race on the status+version CAS; the loser
// gets ConflictError and leaves no decision, audit entry or event behind.
func (m *Machine) Commit(ctx context.Context, caseID string, d *contracts.Decision, extras CommitExtras) (*contracts.Case, *contracts.Decision, error) {
	if err := m.guardQuarantine(caseID); err != nil {
		return nil, nil, err
	}
	if !d.Outcome.Valid() {
		return nil, nil, &contracts.ValidationError{Field: "outcome", Reason: "unknown outcome"}
	}

	c, err := m.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, nil, err
	}
	if c.Status != contracts.StatusInReview {
		return nil, nil, &contracts.ConflictError{Reason: fmt.Sprintf("case %s is %s, not in_review", caseID, c.Status)}
	}

	committed := *d
	committed.ID = uuid.New().String()
	committed.CaseID = caseID
	committed.CreatedAt = m.clock().UTC()

	var updated *contracts.Case
	err = m.store.WithinTx(ctx, func(s store.Store) error {
		_, derr := s.GetDecision(ctx, caseID)
		if derr == nil {
			return &contracts.ConflictError{Reason: "decision already exists"}
		}
		var nf *contracts.NotFoundError
		if !errors.As(derr, &nf) {
			return derr
		}

		updated, err = s.UpdateCaseCAS(ctx, caseID, contracts.StatusInReview, c.Version, d.Outcome.TerminalStatus(), c.Assignee)
		if err != nil {
			return err
		}

		entry, err := m.audit.Append(ctx, s, caseID, contracts.AuditDecisionCommitted, map[string]any{
			"decision":        committed,
			"previous_status": string(contracts.StatusInReview),
			"new_status":      string(updated.Status),
			"rule_verdict":    extras.RuleVerdict,
			"triggered_rules": extras.TriggeredRules,
			"override":        extras.Override,
		})
		if err != nil {
			return err
		}
		committed.AuditHash = entry.Hash

		if err := s.CreateDecision(ctx, &committed); err != nil {
			return err
		}
		return m.queueEvent(ctx, s, contracts.EventDecisionMade, caseID, committed)
	})
	if err != nil {
		return nil, nil, err
	}

	m.log.InfoContext(ctx, "decision committed",
		"case_id", caseID, "outcome", string(committed.Outcome), "decider_id", committed.DeciderID)
	return updated, &committed, nil
}

// Get returns the current case record.
func (m *Machine) Get(ctx context.Context, caseID string) (*contracts.Case, error) {
	return m.store.GetCase(ctx, caseID)
}

// List returns cases filtered by status and/or assignee; empty filters
// match everything. Read-only, no locks.
func (m *Machine) List(ctx context.Context, status contracts.CaseStatus, assignee string) ([]*contracts.Case, error) {
	if status != "" && !status.Valid() {
		return nil, &contracts.ValidationError{Field: "status", Reason: "unknown status"}
	}
	return m.store.ListCases(ctx, status, assignee)
}

// Decision returns the committed decision for a case, if any.
func (m *Machine) Decision(ctx context.Context, caseID string) (*contracts.Decision, error) {
	return m.store.GetDecision(ctx, caseID)
}

// AuditChain returns the case's audit entries in sequence order.
func (m *Machine) AuditChain(ctx context.Context, caseID string) ([]*contracts.AuditLogEntry, error) {
	return m.store.AuditChain(ctx, caseID)
}

// Analyses returns the case's full analysis history, newest last.
func (m *Machine) Analyses(ctx context.Context, caseID string) ([]*contracts.AIAnalysis, error) {
	return m.store.ListAnalyses(ctx, caseID)
}

// VerifyChain replays the case's audit chain. On an integrity failure the
// case is quarantined: automated processing refuses it until an operator
// intervenes.
func (m *Machine) VerifyChain(ctx context.Context, caseID string) error {
	err := m.audit.Verify(ctx, m.store, caseID)
	if err == nil {
		return nil
	}
	var integrity *contracts.IntegrityError
	if errors.As(err, &integrity) {
		m.quarantineMu.Lock()
		m.quarantined[caseID] = struct{}{}
		m.quarantineMu.Unlock()
		m.log.ErrorContext(ctx, "audit chain verification failed; case quarantined",
			"case_id", caseID, "index", integrity.Index, "reason", integrity.Reason)
	}
	return err
}

// Quarantined reports whether automated processing is halted for a case.
func (m *Machine) Quarantined(caseID string) bool {
	m.quarantineMu.RLock()
	defer m.quarantineMu.RUnlock()
	_, ok := m.quarantined[caseID]
	return ok
}

func (m *Machine) guardQuarantine(caseID string) error {
	if m.Quarantined(caseID) {
		return &contracts.IntegrityError{CaseID: caseID, Reason: "case is quarantined pending operator review"}
	}
	return nil
}

// queueEvent serializes payload canonically and records the event in the
// outbox within the caller's unit of work.
func (m *Machine) queueEvent(ctx context.Context, s store.Store, eventType, caseID string, payload any) error {
	body, err := canonicalize.Canonical(payload)
	if err != nil {
		return fmt.Errorf("event payload: %w", err)
	}
	return s.EnqueueEvent(ctx, &contracts.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		CaseID:     caseID,
		Payload:    body,
		OccurredAt: m.clock().UTC(),
	})
}
