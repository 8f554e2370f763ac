// Package analysis integrates the external AI analysis collaborator.
//
// Analyzer is intentionally narrow: the orchestrator owns retries,
// deadlines and persistence, the analyzer only produces one result for
// one request. HTTPAnalyzer is the production implementation; tests
// substitute in-process fakes.
package analysis

import (
	"context"

	"github.com/clearline-health/authcore/pkg/contracts"
)

// Request describes a single analysis invocation.
type Request struct {
	CaseID  string                 `json:"case_id"`
	Type    contracts.AnalysisType `json:"analysis_type"`
	Urgency contracts.Urgency      `json:"urgency"`
	Context map[string]any         `json:"context,omitempty"`
}

// Result is the validated payload returned by the collaborator.
type Result struct {
	Recommendation contracts.Recommendation `json:"recommendation"`
	Confidence     float64                  `json:"confidence"`
	RiskScore      float64                  `json:"risk_score"`
	Findings       string                   `json:"findings,omitempty"`
}

// Analyzer produces one analysis result per request. Implementations
// must honor ctx cancellation and be safe for concurrent use.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Result, error)
}
