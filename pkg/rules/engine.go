// Package rules evaluates the business rule set against a case and its
// active AI analysis, and validates human or automatic decisions before
// delegating the commit to the lifecycle state machine.
//
// Rules are CEL expressions compiled once at construction. A triggered
// rule forces human review regardless of the AI recommendation; with no
// rule triggered the recommendation is advisory.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"github.com/clearline-health/authcore/pkg/contracts"
	"github.com/clearline-health/authcore/pkg/lifecycle"
	"github.com/clearline-health/authcore/pkg/store"
)

// Verdict is the outcome of rule evaluation.
type Verdict string

const (
	VerdictAutoApprove   Verdict = "auto_approve"
	VerdictAutoDeny      Verdict = "auto_deny"
	VerdictRequiresHuman Verdict = "requires_human_review"
)

// Rule pairs a stable name (reported in audit entries for explainability)
// with a CEL expression over `case`, `analysis` and `thresholds`.
// The expression evaluates to true when the rule is triggered.
type Rule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// DefaultRules is the ordered baseline rule set.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "fraud_risk_threshold", Expr: `analysis.present && analysis.risk_score >= thresholds.fraud_risk`},
		{Name: "value_ceiling", Expr: `case.requested_value >= thresholds.value_ceiling`},
	}
}

// Thresholds configures the rule set and decision validation.
type Thresholds struct {
	FraudRisk           float64         `yaml:"fraud_risk" json:"fraud_risk"`
	ValueCeiling        decimal.Decimal `yaml:"value_ceiling" json:"value_ceiling"`
	MinJustificationLen int             `yaml:"min_justification_len" json:"min_justification_len"`
}

// DefaultThresholds mirrors the production profile defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FraudRisk:           0.7,
		ValueCeiling:        decimal.NewFromInt(10000),
		MinJustificationLen: 10,
	}
}

// Evaluation is the result of EvaluateRules.
type Evaluation struct {
	Verdict        Verdict  `json:"verdict"`
	TriggeredRules []string `json:"triggered_rules"`
}

type compiledRule struct {
	name    string
	program cel.Program
}

// Engine validates and optionally auto-resolves decisions.
type Engine struct {
	machine    *lifecycle.Machine
	reader     store.Store
	rules      []compiledRule
	thresholds Thresholds
	log        *slog.Logger
}

// NewEngine compiles the rule set and wires the engine to the state
// machine and the read side of the store.
func NewEngine(machine *lifecycle.Machine, reader store.Store, ruleSet []Rule, thresholds Thresholds) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("case", cel.DynType),
		cel.Variable("analysis", cel.DynType),
		cel.Variable("thresholds", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: cel environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(ruleSet))
	for _, r := range ruleSet {
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rules: compile %q: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rules: program %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{name: r.Name, program: prg})
	}

	if thresholds.MinJustificationLen <= 0 {
		thresholds.MinJustificationLen = DefaultThresholds().MinJustificationLen
	}

	return &Engine{
		machine:    machine,
		reader:     reader,
		rules:      compiled,
		thresholds: thresholds,
		log:        slog.Default().With("component", "rules"),
	}, nil
}

// EvaluateRules applies the ordered rule set to the case and its active
// analysis. Deterministic and free of IO: the same inputs always produce
// the same verdict. activeAnalysis may be nil when no AI support exists.
func (e *Engine) EvaluateRules(c *contracts.Case, activeAnalysis *contracts.AIAnalysis) (Evaluation, error) {
	input := map[string]any{
		"case": map[string]any{
			"id":              c.ID,
			"procedure_code":  c.ProcedureCode,
			"priority":        string(c.Priority),
			"requested_value": c.RequestedValue.InexactFloat64(),
		},
		"analysis":   analysisInput(activeAnalysis),
		"thresholds": map[string]any{"fraud_risk": e.thresholds.FraudRisk, "value_ceiling": e.thresholds.ValueCeiling.InexactFloat64()},
	}

	triggered := make([]string, 0)
	for _, r := range e.rules {
		out, _, err := r.program.Eval(input)
		if err != nil {
			return Evaluation{}, fmt.Errorf("rules: eval %q: %w", r.name, err)
		}
		hit, ok := out.Value().(bool)
		if !ok {
			return Evaluation{}, fmt.Errorf("rules: %q did not evaluate to a bool", r.name)
		}
		if hit {
			triggered = append(triggered, r.name)
		}
	}

	// Any triggered rule forces review, whatever the AI recommends.
	if len(triggered) > 0 {
		return Evaluation{Verdict: VerdictRequiresHuman, TriggeredRules: triggered}, nil
	}

	if activeAnalysis == nil {
		return Evaluation{Verdict: VerdictRequiresHuman, TriggeredRules: triggered}, nil
	}
	switch activeAnalysis.Recommendation {
	case contracts.RecommendApprove:
		return Evaluation{Verdict: VerdictAutoApprove, TriggeredRules: triggered}, nil
	case contracts.RecommendDeny:
		return Evaluation{Verdict: VerdictAutoDeny, TriggeredRules: triggered}, nil
	default: // partial, review
		return Evaluation{Verdict: VerdictRequiresHuman, TriggeredRules: triggered}, nil
	}
}

func analysisInput(a *contracts.AIAnalysis) map[string]any {
	if a == nil {
		return map[string]any{"present": false, "risk_score": 0.0, "confidence": 0.0, "recommendation": ""}
	}
	return map[string]any{
		"present":        true,
		"risk_score":     a.RiskScore,
		"confidence":     a.Confidence,
		"recommendation": string(a.Recommendation),
	}
}

// SubmitDecision validates the decider's outcome against the rule verdict
// and delegates the commit to the state machine CAS. Concurrent calls on
// one case produce exactly one decision; losers get ConflictError.
func (e *Engine) SubmitDecision(ctx context.Context, caseID, deciderID string, outcome contracts.Outcome, justification string, authorizedValue *decimal.Decimal) (*contracts.Decision, error) {
	if deciderID == "" {
		return nil, &contracts.ValidationError{Field: "decider_id", Reason: "must not be empty"}
	}
	if !outcome.Valid() {
		return nil, &contracts.ValidationError{Field: "outcome", Reason: "unknown outcome"}
	}
	justification = strings.TrimSpace(justification)
	if len(justification) < e.thresholds.MinJustificationLen {
		return nil, &contracts.ValidationError{
			Field:  "justification",
			Reason: fmt.Sprintf("must be at least %d characters", e.thresholds.MinJustificationLen),
		}
	}

	c, err := e.machine.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case contracts.OutcomePartial:
		if authorizedValue == nil {
			return nil, &contracts.ValidationError{Field: "authorized_value", Reason: "required for partial outcome"}
		}
		if !authorizedValue.IsPositive() {
			return nil, &contracts.ValidationError{Field: "authorized_value", Reason: "must be positive"}
		}
		if authorizedValue.GreaterThan(c.RequestedValue) {
			return nil, &contracts.ValidationError{Field: "authorized_value", Reason: "must not exceed requested value"}
		}
	default:
		if authorizedValue != nil {
			return nil, &contracts.ValidationError{Field: "authorized_value", Reason: "only allowed for partial outcome"}
		}
	}

	active := e.activeAnalysis(ctx, caseID)
	eval, err := e.EvaluateRules(c, active)
	if err != nil {
		return nil, err
	}

	override := e.isOverride(eval, outcome)
	d := &contracts.Decision{
		DeciderID:       deciderID,
		Outcome:         outcome,
		Justification:   justification,
		AuthorizedValue: authorizedValue,
	}
	if active != nil {
		d.AnalysisID = active.ID
	}

	_, committed, err := e.machine.Commit(ctx, caseID, d, lifecycle.CommitExtras{
		RuleVerdict:    string(eval.Verdict),
		TriggeredRules: eval.TriggeredRules,
		Override:       override,
	})
	if err != nil {
		return nil, err
	}
	if override {
		e.log.WarnContext(ctx, "rule verdict overridden",
			"case_id", caseID, "decider_id", deciderID,
			"verdict", string(eval.Verdict), "outcome", string(outcome))
	}
	return committed, nil
}

// AutoResolve commits a system decision when the rule verdict is
// unambiguous. A requires_human_review verdict is reported as
// ConflictError so callers route the case to an auditor.
func (e *Engine) AutoResolve(ctx context.Context, caseID string) (*contracts.Decision, error) {
	c, err := e.machine.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}

	active := e.activeAnalysis(ctx, caseID)
	eval, err := e.EvaluateRules(c, active)
	if err != nil {
		return nil, err
	}

	var outcome contracts.Outcome
	switch eval.Verdict {
	case VerdictAutoApprove:
		outcome = contracts.OutcomeApproved
	case VerdictAutoDeny:
		outcome = contracts.OutcomeDenied
	default:
		return nil, &contracts.ConflictError{Reason: "case " + caseID + " requires human review"}
	}

	d := &contracts.Decision{
		DeciderID:     contracts.SystemDecider,
		Outcome:       outcome,
		Justification: "automatic resolution per rule verdict " + string(eval.Verdict),
	}
	if active != nil {
		d.AnalysisID = active.ID
	}

	_, committed, err := e.machine.Commit(ctx, caseID, d, lifecycle.CommitExtras{
		RuleVerdict:    string(eval.Verdict),
		TriggeredRules: eval.TriggeredRules,
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// isOverride reports whether the outcome contradicts the rule verdict.
// Approving a case whose review verdict came from the fraud rule counts:
// that walks into auto-deny risk territory and gets flagged in the audit
// entry.
func (e *Engine) isOverride(eval Evaluation, outcome contracts.Outcome) bool {
	switch eval.Verdict {
	case VerdictAutoApprove:
		return outcome != contracts.OutcomeApproved
	case VerdictAutoDeny:
		return outcome != contracts.OutcomeDenied
	case VerdictRequiresHuman:
		if outcome != contracts.OutcomeApproved {
			return false
		}
		for _, name := range eval.TriggeredRules {
			if name == "fraud_risk_threshold" {
				return true
			}
		}
	}
	return false
}

// activeAnalysis fetches the latest analysis of any type; absence is not
// an error — AI support is advisory.
func (e *Engine) activeAnalysis(ctx context.Context, caseID string) *contracts.AIAnalysis {
	a, err := e.reader.ActiveAnalysis(ctx, caseID, "")
	if err != nil {
		var nf *contracts.NotFoundError
		if !errors.As(err, &nf) {
			e.log.WarnContext(ctx, "active analysis lookup failed", "case_id", caseID, "error", err)
		}
		return nil
	}
	return a
}
