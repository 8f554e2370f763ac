package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaseStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusInReview))
	assert.True(t, StatusInReview.CanTransitionTo(StatusPending))
	assert.True(t, StatusInReview.CanTransitionTo(StatusApproved))
	assert.True(t, StatusInReview.CanTransitionTo(StatusDenied))
	assert.True(t, StatusInReview.CanTransitionTo(StatusPartial))

	// Terminal states are absorbing.
	for _, terminal := range []CaseStatus{StatusApproved, StatusDenied, StatusPartial} {
		assert.True(t, terminal.Terminal())
		for _, next := range []CaseStatus{StatusPending, StatusInReview, StatusApproved, StatusDenied, StatusPartial} {
			assert.False(t, terminal.CanTransitionTo(next), "%s -> %s must be rejected", terminal, next)
		}
	}

	assert.False(t, StatusPending.CanTransitionTo(StatusApproved))
	assert.False(t, StatusPending.CanTransitionTo(StatusPending))
}

func TestEnumValidity(t *testing.T) {
	assert.True(t, StatusInReview.Valid())
	assert.False(t, CaseStatus("archived").Valid())
	assert.True(t, PriorityUrgent.Valid())
	assert.False(t, Priority("asap").Valid())
	assert.True(t, AnalysisFraud.Valid())
	assert.False(t, AnalysisType("quick").Valid())
	assert.True(t, RecommendReview.Valid())
	assert.False(t, Recommendation("escalate").Valid())
	assert.True(t, OutcomePartial.Valid())
	assert.False(t, Outcome("withdrawn").Valid())
}

func TestOutcomeTerminalStatus(t *testing.T) {
	assert.Equal(t, StatusApproved, OutcomeApproved.TerminalStatus())
	assert.Equal(t, StatusDenied, OutcomeDenied.TerminalStatus())
	assert.Equal(t, StatusPartial, OutcomePartial.TerminalStatus())
}

func TestValidProcedureCode(t *testing.T) {
	assert.True(t, ValidProcedureCode("99213"))
	assert.True(t, ValidProcedureCode("J1100"))
	assert.True(t, ValidProcedureCode("0213T"))
	assert.False(t, ValidProcedureCode(""))
	assert.False(t, ValidProcedureCode("abc"))
	assert.False(t, ValidProcedureCode("99213-LT"))
}

func TestCaseRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	original := Case{
		ID:             "case-1",
		PatientRef:     "patient-42",
		ProcedureCode:  "99213",
		RequestedValue: decimal.RequireFromString("250.00"),
		Priority:       PriorityMedium,
		Status:         StatusPending,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Case
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, original.Status, decoded.Status)
	assert.True(t, original.RequestedValue.Equal(decoded.RequestedValue))
	assert.True(t, original.CreatedAt.Equal(decoded.CreatedAt))
}

func TestDecisionRoundTrip(t *testing.T) {
	authorized := decimal.RequireFromString("120.50")
	original := Decision{
		ID:              "dec-1",
		CaseID:          "case-1",
		DeciderID:       "auditor-7",
		Outcome:         OutcomePartial,
		Justification:   "only the first session is covered",
		AuthorizedValue: &authorized,
		AnalysisID:      "an-3",
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Decision
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, original.Outcome, decoded.Outcome)
	require.NotNil(t, decoded.AuthorizedValue)
	assert.True(t, authorized.Equal(*decoded.AuthorizedValue))
}

func TestAnalysisBounds(t *testing.T) {
	a := AIAnalysis{Recommendation: RecommendApprove, Confidence: 0.92, RiskScore: 0.1}
	assert.True(t, a.BoundsValid())

	a.Confidence = 1.2
	assert.False(t, a.BoundsValid())

	a.Confidence = 0.5
	a.RiskScore = -0.01
	assert.False(t, a.BoundsValid())

	a.RiskScore = 0.5
	a.Recommendation = "maybe"
	assert.False(t, a.BoundsValid())
}
