package contracts

import "time"

// AnalysisType selects which model pipeline the external collaborator runs.
type AnalysisType string

const (
	AnalysisFull    AnalysisType = "full"
	AnalysisMedical AnalysisType = "medical"
	AnalysisFraud   AnalysisType = "fraud"
	AnalysisPattern AnalysisType = "pattern"
)

func (t AnalysisType) Valid() bool {
	switch t {
	case AnalysisFull, AnalysisMedical, AnalysisFraud, AnalysisPattern:
		return true
	}
	return false
}

// Recommendation is the advisory outcome produced by an analysis.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendDeny    Recommendation = "deny"
	RecommendPartial Recommendation = "partial"
	RecommendReview  Recommendation = "review"
)

func (r Recommendation) Valid() bool {
	switch r {
	case RecommendApprove, RecommendDeny, RecommendPartial, RecommendReview:
		return true
	}
	return false
}

// Urgency controls the deadline applied to an analysis request.
type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

func (u Urgency) Valid() bool {
	return u == UrgencyNormal || u == UrgencyHigh
}

// AIAnalysis is a normalized, immutable result from the external analysis
// collaborator. A case accumulates analyses over time; the most recent one
// per type is the active one for decision support, earlier ones remain in
// history for audit purposes.
type AIAnalysis struct {
	ID             string         `json:"id"`
	CaseID         string         `json:"case_id"`
	Type           AnalysisType   `json:"type"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     float64        `json:"confidence"`
	RiskScore      float64        `json:"risk_score"`
	Findings       string         `json:"findings,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// BoundsValid reports whether confidence and risk score are inside [0,1]
// and the recommendation is a member of the enumerated set.
func (a *AIAnalysis) BoundsValid() bool {
	return a.Confidence >= 0 && a.Confidence <= 1 &&
		a.RiskScore >= 0 && a.RiskScore <= 1 &&
		a.Recommendation.Valid()
}
