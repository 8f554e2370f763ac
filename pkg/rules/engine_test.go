package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline-health/authcore/pkg/audit"
	"github.com/clearline-health/authcore/pkg/contracts"
	"github.com/clearline-health/authcore/pkg/lifecycle"
	"github.com/clearline-health/authcore/pkg/store"
)

func newEngine(t *testing.T) (*Engine, *lifecycle.Machine, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	machine := lifecycle.NewMachine(mem, audit.NewWriter())
	engine, err := NewEngine(machine, mem, DefaultRules(), DefaultThresholds())
	require.NoError(t, err)
	return engine, machine, mem
}

func submitInReview(t *testing.T, machine *lifecycle.Machine, value string) *contracts.Case {
	t.Helper()
	ctx := context.Background()
	c, err := machine.Submit(ctx, lifecycle.SubmitInput{
		PatientRef:     "patient-1",
		ProcedureCode:  "99213",
		RequestedValue: decimal.RequireFromString(value),
		Priority:       contracts.PriorityMedium,
	})
	require.NoError(t, err)
	_, err = machine.Assign(ctx, c.ID, "auditor-1")
	require.NoError(t, err)
	return c
}

func analysis(caseID string, rec contracts.Recommendation, risk float64) *contracts.AIAnalysis {
	return &contracts.AIAnalysis{
		ID: "an-" + caseID, CaseID: caseID, Type: contracts.AnalysisFull,
		Recommendation: rec, Confidence: 0.9, RiskScore: risk, CreatedAt: time.Now().UTC(),
	}
}

func TestEvaluateRulesAdvisoryPath(t *testing.T) {
	engine, _, _ := newEngine(t)
	c := &contracts.Case{ID: "c1", ProcedureCode: "99213", Priority: contracts.PriorityLow, RequestedValue: decimal.NewFromInt(250)}

	eval, err := engine.EvaluateRules(c, analysis("c1", contracts.RecommendApprove, 0.1))
	require.NoError(t, err)
	assert.Equal(t, VerdictAutoApprove, eval.Verdict)
	assert.Empty(t, eval.TriggeredRules)

	eval, err = engine.EvaluateRules(c, analysis("c1", contracts.RecommendDeny, 0.1))
	require.NoError(t, err)
	assert.Equal(t, VerdictAutoDeny, eval.Verdict)

	eval, err = engine.EvaluateRules(c, analysis("c1", contracts.RecommendReview, 0.1))
	require.NoError(t, err)
	assert.Equal(t, VerdictRequiresHuman, eval.Verdict)

	// No analysis at all: humans decide.
	eval, err = engine.EvaluateRules(c, nil)
	require.NoError(t, err)
	assert.Equal(t, VerdictRequiresHuman, eval.Verdict)
}

// Scenario E: fraud risk above threshold forces review even though the AI
// recommends approval.
func TestEvaluateRulesFraudThresholdWins(t *testing.T) {
	engine, _, _ := newEngine(t)
	c := &contracts.Case{ID: "c1", ProcedureCode: "99213", Priority: contracts.PriorityLow, RequestedValue: decimal.NewFromInt(250)}

	eval, err := engine.EvaluateRules(c, analysis("c1", contracts.RecommendApprove, 0.85))
	require.NoError(t, err)
	assert.Equal(t, VerdictRequiresHuman, eval.Verdict)
	assert.Contains(t, eval.TriggeredRules, "fraud_risk_threshold")
}

func TestEvaluateRulesValueCeiling(t *testing.T) {
	engine, _, _ := newEngine(t)
	c := &contracts.Case{ID: "c1", ProcedureCode: "99213", Priority: contracts.PriorityLow, RequestedValue: decimal.NewFromInt(50000)}

	eval, err := engine.EvaluateRules(c, analysis("c1", contracts.RecommendApprove, 0.1))
	require.NoError(t, err)
	assert.Equal(t, VerdictRequiresHuman, eval.Verdict)
	assert.Contains(t, eval.TriggeredRules, "value_ceiling")
}

func TestEvaluateRulesDeterministic(t *testing.T) {
	engine, _, _ := newEngine(t)
	c := &contracts.Case{ID: "c1", ProcedureCode: "99213", Priority: contracts.PriorityLow, RequestedValue: decimal.NewFromInt(250)}
	a := analysis("c1", contracts.RecommendApprove, 0.42)

	first, err := engine.EvaluateRules(c, a)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := engine.EvaluateRules(c, a)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSubmitDecisionHappyPath(t *testing.T) {
	ctx := context.Background()
	engine, machine, mem := newEngine(t)
	c := submitInReview(t, machine, "250.00")

	d, err := engine.SubmitDecision(ctx, c.ID, "auditor-1", contracts.OutcomeApproved, "meets clinical guidelines", nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeApproved, d.Outcome)
	assert.NotEmpty(t, d.AuditHash)

	current, err := mem.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, current.Status)
}

func TestSubmitDecisionJustificationTooShort(t *testing.T) {
	ctx := context.Background()
	engine, machine, _ := newEngine(t)
	c := submitInReview(t, machine, "250.00")

	_, err := engine.SubmitDecision(ctx, c.ID, "auditor-1", contracts.OutcomeApproved, "ok", nil)
	var v *contracts.ValidationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "justification", v.Field)

	// Whitespace does not count toward the minimum.
	_, err = engine.SubmitDecision(ctx, c.ID, "auditor-1", contracts.OutcomeApproved, "   ok        ", nil)
	assert.ErrorAs(t, err, &v)
}

// Scenario D: authorized value above the requested value is rejected and
// the case does not move.
func TestSubmitDecisionPartialValueValidation(t *testing.T) {
	ctx := context.Background()
	engine, machine, mem := newEngine(t)
	c := submitInReview(t, machine, "250.00")

	over := decimal.RequireFromString("300.00")
	_, err := engine.SubmitDecision(ctx, c.ID, "auditor-1", contracts.OutcomePartial, "partial coverage only", &over)
	var v *contracts.ValidationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "authorized_value", v.Field)

	current, err := mem.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusInReview, current.Status)

	// Missing authorized value for partial.
	_, err = engine.SubmitDecision(ctx, c.ID, "auditor-1", contracts.OutcomePartial, "partial coverage only", nil)
	assert.ErrorAs(t, err, &v)

	// Authorized value with a non-partial outcome.
	ok := decimal.RequireFromString("100.00")
	_, err = engine.SubmitDecision(ctx, c.ID, "auditor-1", contracts.OutcomeApproved, "full approval granted", &ok)
	assert.ErrorAs(t, err, &v)

	// Valid partial commits.
	d, err := engine.SubmitDecision(ctx, c.ID, "auditor-1", contracts.OutcomePartial, "first session covered", &ok)
	require.NoError(t, err)
	require.NotNil(t, d.AuthorizedValue)
	assert.True(t, ok.Equal(*d.AuthorizedValue))

	current, err = mem.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPartial, current.Status)
}

func TestSubmitDecisionOverrideFlagged(t *testing.T) {
	ctx := context.Background()
	engine, machine, mem := newEngine(t)
	c := submitInReview(t, machine, "250.00")

	// High-risk analysis triggers the fraud rule; approving anyway is an
	// override and lands in the audit entry.
	require.NoError(t, mem.CreateAnalysis(ctx, analysis(c.ID, contracts.RecommendApprove, 0.9)))

	_, err := engine.SubmitDecision(ctx, c.ID, "auditor-1", contracts.OutcomeApproved, "reviewed supporting documents manually", nil)
	require.NoError(t, err)

	chain, err := mem.AuditChain(ctx, c.ID)
	require.NoError(t, err)
	last := chain[len(chain)-1]
	assert.Equal(t, contracts.AuditDecisionCommitted, last.EventType)
	assert.Contains(t, string(last.Payload), `"override":true`)
	assert.Contains(t, string(last.Payload), "fraud_risk_threshold")
}

// Scenario B: concurrent deciders, exactly one winner.
func TestSubmitDecisionConcurrentRace(t *testing.T) {
	ctx := context.Background()
	engine, machine, mem := newEngine(t)
	c := submitInReview(t, machine, "250.00")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	outcomes := []contracts.Outcome{contracts.OutcomeApproved, contracts.OutcomeDenied}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.SubmitDecision(ctx, c.ID, "auditor", outcomes[i], "racing decision submission", nil)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			var conflict *contracts.ConflictError
			assert.ErrorAs(t, err, &conflict)
		}
	}
	assert.Equal(t, 1, winners)

	chain, err := mem.AuditChain(ctx, c.ID)
	require.NoError(t, err)
	committed := 0
	for _, e := range chain {
		if e.EventType == contracts.AuditDecisionCommitted {
			committed++
		}
	}
	assert.Equal(t, 1, committed)
}

func TestAutoResolve(t *testing.T) {
	ctx := context.Background()
	engine, machine, mem := newEngine(t)

	// Auto-approve path.
	c := submitInReview(t, machine, "250.00")
	require.NoError(t, mem.CreateAnalysis(ctx, analysis(c.ID, contracts.RecommendApprove, 0.1)))
	d, err := engine.AutoResolve(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SystemDecider, d.DeciderID)
	assert.Equal(t, contracts.OutcomeApproved, d.Outcome)

	// Review verdict refuses to auto-resolve.
	c2 := submitInReview(t, machine, "250.00")
	require.NoError(t, mem.CreateAnalysis(ctx, analysis(c2.ID, contracts.RecommendApprove, 0.95)))
	_, err = engine.AutoResolve(ctx, c2.ID)
	var conflict *contracts.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestNewEngineRejectsBadRule(t *testing.T) {
	mem := store.NewMemoryStore()
	machine := lifecycle.NewMachine(mem, audit.NewWriter())
	_, err := NewEngine(machine, mem, []Rule{{Name: "broken", Expr: "this is not CEL ((("}}, DefaultThresholds())
	assert.Error(t, err)
}
