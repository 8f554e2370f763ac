package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the binding result committed for a case.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
	OutcomePartial  Outcome = "partial"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApproved, OutcomeDenied, OutcomePartial:
		return true
	}
	return false
}

// TerminalStatus maps the outcome onto the terminal case status it
// produces.
func (o Outcome) TerminalStatus() CaseStatus {
	switch o {
	case OutcomeApproved:
		return StatusApproved
	case OutcomeDenied:
		return StatusDenied
	case OutcomePartial:
		return StatusPartial
	}
	return ""
}

// SystemDecider identifies automated rule-driven decisions.
const SystemDecider = "system"

// Decision is the one binding outcome of a case. At most one Decision
// ever exists per case; creation happens only through the lifecycle
// Commit operation.
type Decision struct {
	ID              string           `json:"id"`
	CaseID          string           `json:"case_id"`
	DeciderID       string           `json:"decider_id"`
	Outcome         Outcome          `json:"outcome"`
	Justification   string           `json:"justification"`
	AuthorizedValue *decimal.Decimal `json:"authorized_value,omitempty"`
	AnalysisID      string           `json:"analysis_id,omitempty"`
	AuditHash       string           `json:"audit_hash,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}
