package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline-health/authcore/pkg/analysis"
	"github.com/clearline-health/authcore/pkg/audit"
	"github.com/clearline-health/authcore/pkg/contracts"
	"github.com/clearline-health/authcore/pkg/lifecycle"
	"github.com/clearline-health/authcore/pkg/store"
)

// fakeAnalyzer scripts per-call outcomes and counts invocations.
type fakeAnalyzer struct {
	mu      sync.Mutex
	calls   atomic.Int64
	script  []func() (*analysis.Result, error)
	gate    chan struct{} // when set, Analyze blocks until the gate closes
	blocked chan struct{} // signaled once per blocked call
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
	f.calls.Add(1)
	if f.gate != nil {
		f.blocked <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) == 0 {
		return &analysis.Result{Recommendation: contracts.RecommendApprove, Confidence: 0.9, RiskScore: 0.1}, nil
	}
	step := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return step()
}

func fixture(t *testing.T, a analysis.Analyzer) (*Orchestrator, *lifecycle.Machine, *store.MemoryStore, *contracts.Case) {
	t.Helper()
	mem := store.NewMemoryStore()
	machine := lifecycle.NewMachine(mem, audit.NewWriter())
	orch := New(mem, audit.NewWriter(), a, machine, Config{}).
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil })

	c, err := machine.Submit(context.Background(), lifecycle.SubmitInput{
		PatientRef:     "patient-1",
		ProcedureCode:  "99213",
		RequestedValue: decimal.NewFromInt(250),
		Priority:       contracts.PriorityMedium,
	})
	require.NoError(t, err)
	return orch, machine, mem, c
}

func countAudit(t *testing.T, mem *store.MemoryStore, caseID, eventType string) int {
	t.Helper()
	chain, err := mem.AuditChain(context.Background(), caseID)
	require.NoError(t, err)
	n := 0
	for _, e := range chain {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// Two transient failures, then success: one persisted analysis, one
// ANALYSIS_COMPLETED entry.
func TestRequestAnalysisRetriesThenSucceeds(t *testing.T) {
	fail := func() (*analysis.Result, error) { return nil, errors.New("upstream timeout") }
	ok := func() (*analysis.Result, error) {
		return &analysis.Result{Recommendation: contracts.RecommendApprove, Confidence: 0.88, RiskScore: 0.12, Findings: "consistent history"}, nil
	}
	fake := &fakeAnalyzer{script: []func() (*analysis.Result, error){fail, fail, ok}}
	orch, _, mem, c := fixture(t, fake)

	h, err := orch.RequestAnalysis(context.Background(), c.ID, contracts.AnalysisFull, contracts.UrgencyNormal)
	require.NoError(t, err)

	got, err := h.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), fake.calls.Load())
	assert.Equal(t, contracts.RecommendApprove, got.Recommendation)

	all, err := mem.ListAnalyses(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, countAudit(t, mem, c.ID, contracts.AuditAnalysisCompleted))
}

func TestRequestAnalysisExhaustion(t *testing.T) {
	fake := &fakeAnalyzer{script: []func() (*analysis.Result, error){
		func() (*analysis.Result, error) { return nil, errors.New("connection refused") },
	}}
	orch, _, mem, c := fixture(t, fake)

	h, err := orch.RequestAnalysis(context.Background(), c.ID, contracts.AnalysisFull, contracts.UrgencyNormal)
	require.NoError(t, err)

	_, err = h.Await(context.Background())
	var unavailable *contracts.AnalysisUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 3, unavailable.Attempts)
	assert.Equal(t, c.ID, unavailable.CaseID)

	// Nothing persisted, case still eligible for manual decisions.
	all, err := mem.ListAnalyses(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, 0, countAudit(t, mem, c.ID, contracts.AuditAnalysisCompleted))
}

func TestRequestAnalysisBreakerOpenFailsFast(t *testing.T) {
	fake := &fakeAnalyzer{script: []func() (*analysis.Result, error){
		func() (*analysis.Result, error) { return nil, analysis.ErrCircuitOpen },
	}}
	orch, _, _, c := fixture(t, fake)

	h, err := orch.RequestAnalysis(context.Background(), c.ID, contracts.AnalysisFull, contracts.UrgencyNormal)
	require.NoError(t, err)

	_, err = h.Await(context.Background())
	require.ErrorIs(t, err, analysis.ErrCircuitOpen)
	assert.Equal(t, int64(1), fake.calls.Load())
}

// Concurrent requests for the same case+type share the handle and the
// collaborator sees exactly one call.
func TestRequestAnalysisDeduplicates(t *testing.T) {
	fake := &fakeAnalyzer{gate: make(chan struct{}), blocked: make(chan struct{}, 8)}
	orch, _, mem, c := fixture(t, fake)
	ctx := context.Background()

	h1, err := orch.RequestAnalysis(ctx, c.ID, contracts.AnalysisFraud, contracts.UrgencyHigh)
	require.NoError(t, err)
	<-fake.blocked // the worker is inside Analyze now

	h2, err := orch.RequestAnalysis(ctx, c.ID, contracts.AnalysisFraud, contracts.UrgencyHigh)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.True(t, orch.Inflight(c.ID, contracts.AnalysisFraud))
	assert.Equal(t, int64(1), fake.calls.Load())

	// A different type is not deduplicated against it.
	h3, err := orch.RequestAnalysis(ctx, c.ID, contracts.AnalysisMedical, contracts.UrgencyNormal)
	require.NoError(t, err)
	assert.NotSame(t, h1, h3)

	close(fake.gate)
	r1, err := h1.Await(ctx)
	require.NoError(t, err)
	r2, err := h2.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)

	_, err = h3.Await(ctx)
	require.NoError(t, err)

	all, err := mem.ListAnalyses(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2) // one fraud, one medical

	// With the flight finished, a new request issues a new analysis.
	assert.False(t, orch.Inflight(c.ID, contracts.AnalysisFraud))
	h4, err := orch.RequestAnalysis(ctx, c.ID, contracts.AnalysisFraud, contracts.UrgencyHigh)
	require.NoError(t, err)
	assert.NotSame(t, h1, h4)
	_, err = h4.Await(ctx)
	require.NoError(t, err)
}

func TestRequestAnalysisEmitsFraudEvent(t *testing.T) {
	fake := &fakeAnalyzer{script: []func() (*analysis.Result, error){
		func() (*analysis.Result, error) {
			return &analysis.Result{Recommendation: contracts.RecommendDeny, Confidence: 0.95, RiskScore: 0.91, Findings: "billing anomaly"}, nil
		},
	}}
	orch, _, mem, c := fixture(t, fake)
	ctx := context.Background()

	h, err := orch.RequestAnalysis(ctx, c.ID, contracts.AnalysisFraud, contracts.UrgencyNormal)
	require.NoError(t, err)
	_, err = h.Await(ctx)
	require.NoError(t, err)

	pending, err := mem.PendingEvents(ctx, 100)
	require.NoError(t, err)
	types := make([]string, 0, len(pending))
	for _, rec := range pending {
		types = append(types, rec.Event.Type)
	}
	assert.Contains(t, types, contracts.EventFraudDetected)
}

func TestRequestAnalysisRejectsOutOfBoundsResult(t *testing.T) {
	fake := &fakeAnalyzer{script: []func() (*analysis.Result, error){
		func() (*analysis.Result, error) {
			return &analysis.Result{Recommendation: contracts.RecommendApprove, Confidence: 1.7, RiskScore: 0.2}, nil
		},
	}}
	orch, _, mem, c := fixture(t, fake)

	h, err := orch.RequestAnalysis(context.Background(), c.ID, contracts.AnalysisFull, contracts.UrgencyNormal)
	require.NoError(t, err)

	_, err = h.Await(context.Background())
	var v *contracts.ValidationError
	require.ErrorAs(t, err, &v)

	all, err := mem.ListAnalyses(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRequestAnalysisValidation(t *testing.T) {
	orch, _, _, c := fixture(t, &fakeAnalyzer{})
	ctx := context.Background()

	_, err := orch.RequestAnalysis(ctx, c.ID, "phrenology", contracts.UrgencyNormal)
	var v *contracts.ValidationError
	assert.ErrorAs(t, err, &v)

	_, err = orch.RequestAnalysis(ctx, c.ID, contracts.AnalysisFull, "urgent-ish")
	assert.ErrorAs(t, err, &v)

	_, err = orch.RequestAnalysis(ctx, "no-such-case", contracts.AnalysisFull, contracts.UrgencyNormal)
	var nf *contracts.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRequestAnalysisRefusesQuarantinedCase(t *testing.T) {
	orch, machine, mem, c := fixture(t, &fakeAnalyzer{})
	ctx := context.Background()

	mem.TamperAudit(c.ID, 0, []byte(`{"forged":true}`))
	require.Error(t, machine.VerifyChain(ctx, c.ID))

	_, err := orch.RequestAnalysis(ctx, c.ID, contracts.AnalysisFull, contracts.UrgencyNormal)
	var integrity *contracts.IntegrityError
	assert.ErrorAs(t, err, &integrity)
}

func TestHandleResultWhileInFlight(t *testing.T) {
	fake := &fakeAnalyzer{gate: make(chan struct{}), blocked: make(chan struct{}, 8)}
	orch, _, _, c := fixture(t, fake)
	ctx := context.Background()

	h, err := orch.RequestAnalysis(ctx, c.ID, contracts.AnalysisFull, contracts.UrgencyNormal)
	require.NoError(t, err)
	<-fake.blocked

	_, err = h.Result()
	var conflict *contracts.ConflictError
	assert.ErrorAs(t, err, &conflict)

	close(fake.gate)
	_, err = h.Await(ctx)
	require.NoError(t, err)
	got, err := h.Result()
	require.NoError(t, err)
	assert.NotNil(t, got)
}
