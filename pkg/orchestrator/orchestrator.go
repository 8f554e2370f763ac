// Package orchestrator supervises external AI analysis requests.
//
// Each RequestAnalysis spawns one supervised task bound to a deadline
// derived from the urgency. Concurrent requests for the same case and
// analysis type share the in-flight handle, so the collaborator sees at
// most one call per case+type at a time. Results are persisted with
// their audit entry in one unit of work; completion is observed through
// the handle's channel, never through callbacks.
package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clearline-health/authcore/pkg/analysis"
	"github.com/clearline-health/authcore/pkg/audit"
	"github.com/clearline-health/authcore/pkg/canonicalize"
	"github.com/clearline-health/authcore/pkg/contracts"
	"github.com/clearline-health/authcore/pkg/lifecycle"
	"github.com/clearline-health/authcore/pkg/store"
)

// Config tunes supervision. Zero values fall back to production
// defaults.
type Config struct {
	NormalDeadline time.Duration // per-attempt deadline, normal urgency
	HighDeadline   time.Duration // per-attempt deadline, high urgency
	MaxRetries     int           // retries after the first attempt
	BackoffBase    time.Duration
	BackoffFactor  float64
	JitterFraction float64 // +-fraction applied to each backoff
	FraudThreshold float64 // risk score at or above emits fraud.detected
}

func DefaultConfig() Config {
	return Config{
		NormalDeadline: 30 * time.Second,
		HighDeadline:   10 * time.Second,
		MaxRetries:     2,
		BackoffBase:    time.Second,
		BackoffFactor:  2,
		JitterFraction: 0.2,
		FraudThreshold: 0.7,
	}
}

type inflightKey struct {
	caseID string
	typ    contracts.AnalysisType
}

// Handle is the future for one analysis request. It completes exactly
// once; after Done is closed, Result never changes.
type Handle struct {
	CaseID string
	Type   contracts.AnalysisType

	done   chan struct{}
	result *contracts.AIAnalysis
	err    error
}

// Done is closed when the analysis has been persisted or has failed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome without blocking. Before Done is closed it
// reports a ConflictError so pollers can distinguish "still running"
// from failure.
func (h *Handle) Result() (*contracts.AIAnalysis, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return nil, &contracts.ConflictError{Reason: "analysis still in flight"}
	}
}

// Await blocks until completion or ctx expiry.
func (h *Handle) Await(ctx context.Context) (*contracts.AIAnalysis, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Orchestrator owns the in-flight table and the supervised workers.
type Orchestrator struct {
	store    store.TxStore
	audit    *audit.Writer
	analyzer analysis.Analyzer
	machine  *lifecycle.Machine
	cfg      Config
	log      *slog.Logger

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight map[inflightKey]*Handle
}

func New(s store.TxStore, w *audit.Writer, a analysis.Analyzer, m *lifecycle.Machine, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.NormalDeadline <= 0 {
		cfg.NormalDeadline = def.NormalDeadline
	}
	if cfg.HighDeadline <= 0 {
		cfg.HighDeadline = def.HighDeadline
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.FraudThreshold <= 0 {
		cfg.FraudThreshold = def.FraudThreshold
	}
	return &Orchestrator{
		store:    s,
		audit:    w,
		analyzer: a,
		machine:  m,
		cfg:      cfg,
		log:      slog.Default().With("component", "orchestrator"),
		clock:    time.Now,
		sleep:    sleepCtx,
		inflight: make(map[inflightKey]*Handle),
	}
}

// WithClock overrides the time source. Test hook.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithSleep overrides the backoff sleeper. Test hook.
func (o *Orchestrator) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Orchestrator {
	o.sleep = sleep
	return o
}

// RequestAnalysis dispatches an analysis for the case, or returns the
// handle already in flight for the same case+type. The returned handle
// outlives ctx; ctx only covers the synchronous validation here.
func (o *Orchestrator) RequestAnalysis(ctx context.Context, caseID string, typ contracts.AnalysisType, urgency contracts.Urgency) (*Handle, error) {
	if !typ.Valid() {
		return nil, &contracts.ValidationError{Field: "analysis_type", Reason: fmt.Sprintf("unknown type %q", typ)}
	}
	if urgency == "" {
		urgency = contracts.UrgencyNormal
	}
	if !urgency.Valid() {
		return nil, &contracts.ValidationError{Field: "urgency", Reason: fmt.Sprintf("unknown urgency %q", urgency)}
	}
	if o.machine.Quarantined(caseID) {
		return nil, &contracts.IntegrityError{CaseID: caseID, Index: -1, Reason: "case quarantined, automated processing halted"}
	}
	c, err := o.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	key := inflightKey{caseID: caseID, typ: typ}
	o.mu.Lock()
	if h, ok := o.inflight[key]; ok {
		o.mu.Unlock()
		return h, nil
	}
	h := &Handle{CaseID: caseID, Type: typ, done: make(chan struct{})}
	o.inflight[key] = h
	o.mu.Unlock()

	go o.run(h, c, urgency)
	return h, nil
}

// Inflight reports whether an analysis of the given type is currently
// running for the case.
func (o *Orchestrator) Inflight(caseID string, typ contracts.AnalysisType) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[inflightKey{caseID: caseID, typ: typ}]
	return ok
}

func (o *Orchestrator) run(h *Handle, c *contracts.Case, urgency contracts.Urgency) {
	result, err := o.callWithRetry(h, c, urgency)
	if err == nil {
		persisted, perr := o.persist(h, result)
		if perr != nil {
			err = perr
		} else {
			h.result = persisted
		}
	}
	h.err = err

	key := inflightKey{caseID: h.CaseID, typ: h.Type}
	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()
	close(h.done)

	if err != nil {
		o.log.Warn("analysis request failed",
			"case_id", h.CaseID, "type", string(h.Type), "error", err)
	}
}

func (o *Orchestrator) callWithRetry(h *Handle, c *contracts.Case, urgency contracts.Urgency) (*analysis.Result, error) {
	deadline := o.cfg.NormalDeadline
	if urgency == contracts.UrgencyHigh {
		deadline = o.cfg.HighDeadline
	}
	req := analysis.Request{
		CaseID:  h.CaseID,
		Type:    h.Type,
		Urgency: urgency,
		Context: map[string]any{
			"procedure_code":  c.ProcedureCode,
			"requested_value": c.RequestedValue.String(),
			"priority":        string(c.Priority),
		},
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		attempts++
		ctx, cancel := context.WithTimeout(context.Background(), deadline)
		result, err := o.analyzer.Analyze(ctx, req)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, analysis.ErrCircuitOpen) {
			// The breaker will stay open past our retry budget.
			break
		}
		if attempt == o.cfg.MaxRetries {
			break
		}
		if serr := o.sleep(context.Background(), o.backoff(attempt)); serr != nil {
			break
		}
	}
	return nil, &contracts.AnalysisUnavailableError{CaseID: h.CaseID, Attempts: attempts, Err: lastErr}
}

// backoff computes base * factor^attempt with +-JitterFraction jitter.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := float64(o.cfg.BackoffBase) * math.Pow(o.cfg.BackoffFactor, float64(attempt))
	if o.cfg.JitterFraction > 0 {
		span := int64(d * o.cfg.JitterFraction * 2)
		if span > 0 {
			if n, err := rand.Int(rand.Reader, big.NewInt(span)); err == nil {
				d = d*(1-o.cfg.JitterFraction) + float64(n.Int64())
			}
		}
	}
	return time.Duration(d)
}

// persist validates bounds and writes the analysis, its audit entry and
// any fraud event in one unit of work.
func (o *Orchestrator) persist(h *Handle, r *analysis.Result) (*contracts.AIAnalysis, error) {
	a := &contracts.AIAnalysis{
		ID:             uuid.New().String(),
		CaseID:         h.CaseID,
		Type:           h.Type,
		Recommendation: r.Recommendation,
		Confidence:     r.Confidence,
		RiskScore:      r.RiskScore,
		Findings:       r.Findings,
		CreatedAt:      o.clock().UTC(),
	}
	if !a.BoundsValid() {
		return nil, &contracts.ValidationError{
			Field:  "analysis",
			Reason: fmt.Sprintf("result out of bounds: confidence=%v risk_score=%v recommendation=%q", a.Confidence, a.RiskScore, a.Recommendation),
		}
	}

	ctx := context.Background()
	err := o.store.WithinTx(ctx, func(s store.Store) error {
		if err := s.CreateAnalysis(ctx, a); err != nil {
			return err
		}
		if _, err := o.audit.Append(ctx, s, h.CaseID, contracts.AuditAnalysisCompleted, a); err != nil {
			return err
		}
		if a.RiskScore >= o.cfg.FraudThreshold {
			if err := o.queueFraudEvent(ctx, s, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.log.Info("analysis persisted",
		"case_id", a.CaseID, "type", string(a.Type),
		"recommendation", string(a.Recommendation), "risk_score", a.RiskScore)
	return a, nil
}

func (o *Orchestrator) queueFraudEvent(ctx context.Context, s store.Store, a *contracts.AIAnalysis) error {
	body, err := canonicalize.Canonical(a)
	if err != nil {
		return fmt.Errorf("event payload: %w", err)
	}
	return s.EnqueueEvent(ctx, &contracts.Event{
		ID:         uuid.New().String(),
		Type:       contracts.EventFraudDetected,
		CaseID:     a.CaseID,
		Payload:    body,
		OccurredAt: o.clock().UTC(),
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
