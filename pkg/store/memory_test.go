package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline-health/authcore/pkg/contracts"
)

func newCase(id string) *contracts.Case {
	now := time.Now().UTC()
	return &contracts.Case{
		ID:             id,
		PatientRef:     "patient-1",
		ProcedureCode:  "99213",
		RequestedValue: decimal.RequireFromString("250.00"),
		Priority:       contracts.PriorityMedium,
		Status:         contracts.StatusPending,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestMemoryCaseCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.CreateCase(ctx, newCase("c1")))

	got, err := m.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, got.Status)

	_, err = m.GetCase(ctx, "missing")
	var nf *contracts.NotFoundError
	assert.ErrorAs(t, err, &nf)

	err = m.CreateCase(ctx, newCase("c1"))
	var conflict *contracts.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestMemoryCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateCase(ctx, newCase("c1")))

	updated, err := m.UpdateCaseCAS(ctx, "c1", contracts.StatusPending, 1, contracts.StatusInReview, "auditor-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusInReview, updated.Status)
	assert.Equal(t, int64(2), updated.Version)

	// Stale version loses.
	_, err = m.UpdateCaseCAS(ctx, "c1", contracts.StatusPending, 1, contracts.StatusInReview, "auditor-2")
	var conflict *contracts.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestMemoryTxRollback(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateCase(ctx, newCase("c1")))

	boom := errors.New("boom")
	err := m.WithinTx(ctx, func(s Store) error {
		if _, err := s.UpdateCaseCAS(ctx, "c1", contracts.StatusPending, 1, contracts.StatusInReview, "a"); err != nil {
			return err
		}
		if err := s.AppendAudit(ctx, &contracts.AuditLogEntry{CaseID: "c1", Sequence: 1, EventType: "CASE_ASSIGNED", Payload: []byte(`{}`), Hash: "h1", Timestamp: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Nothing from the failed unit of work survives.
	got, err := m.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, got.Status)
	assert.Equal(t, int64(1), got.Version)

	chain, err := m.AuditChain(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestMemoryDecisionUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	d := &contracts.Decision{ID: "d1", CaseID: "c1", DeciderID: "a", Outcome: contracts.OutcomeApproved, Justification: "ok", CreatedAt: time.Now()}
	require.NoError(t, m.CreateDecision(ctx, d))

	err := m.CreateDecision(ctx, &contracts.Decision{ID: "d2", CaseID: "c1"})
	var conflict *contracts.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestMemoryActiveAnalysisSupersedes(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	base := time.Now().UTC()
	require.NoError(t, m.CreateAnalysis(ctx, &contracts.AIAnalysis{ID: "a1", CaseID: "c1", Type: contracts.AnalysisFraud, Recommendation: contracts.RecommendApprove, CreatedAt: base}))
	require.NoError(t, m.CreateAnalysis(ctx, &contracts.AIAnalysis{ID: "a2", CaseID: "c1", Type: contracts.AnalysisFraud, Recommendation: contracts.RecommendReview, CreatedAt: base.Add(time.Second)}))

	active, err := m.ActiveAnalysis(ctx, "c1", contracts.AnalysisFraud)
	require.NoError(t, err)
	assert.Equal(t, "a2", active.ID)

	// History keeps both.
	all, err := m.ListAnalyses(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryOutbox(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	ev := &contracts.Event{ID: "e1", Type: contracts.EventCaseCreated, CaseID: "c1", Payload: []byte(`{}`), OccurredAt: time.Now().UTC()}
	require.NoError(t, m.EnqueueEvent(ctx, ev))

	pending, err := m.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e1", pending[0].Event.ID)

	require.NoError(t, m.MarkEventDelivered(ctx, "e1"))
	pending, err = m.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Retry scheduling hides the event until available_at.
	require.NoError(t, m.EnqueueEvent(ctx, &contracts.Event{ID: "e2", Type: contracts.EventDecisionMade, CaseID: "c1", Payload: []byte(`{}`), OccurredAt: time.Now().UTC()}))
	require.NoError(t, m.MarkEventFailed(ctx, "e2", 1, time.Now().Add(time.Hour), false))
	pending, err = m.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Dead events never surface again.
	require.NoError(t, m.MarkEventFailed(ctx, "e2", 5, time.Time{}, true))
	pending, err = m.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
