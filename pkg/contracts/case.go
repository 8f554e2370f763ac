// Package contracts defines the shared data model of the authorization
// kernel: cases, AI analyses, decisions, audit entries, domain events and
// the error taxonomy. All other packages depend on these types; this
// package depends on nothing above the standard library except the
// monetary decimal type.
package contracts

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// CaseStatus is the closed set of lifecycle states for a case.
type CaseStatus string

const (
	StatusPending  CaseStatus = "pending"
	StatusInReview CaseStatus = "in_review"
	StatusApproved CaseStatus = "approved"
	StatusDenied   CaseStatus = "denied"
	StatusPartial  CaseStatus = "partial"
)

// Valid reports whether s is a member of the defined state set.
func (s CaseStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInReview, StatusApproved, StatusDenied, StatusPartial:
		return true
	}
	return false
}

// Terminal reports whether s is absorbing: no further transition is
// accepted from it.
func (s CaseStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusPartial:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s → next exists in the
// lifecycle graph.
func (s CaseStatus) CanTransitionTo(next CaseStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusInReview
	case StatusInReview:
		return next == StatusPending || next.Terminal()
	}
	return false
}

// Priority orders cases for review queues.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// procedureCodePattern accepts CPT-style numeric codes and HCPCS-style
// alphanumeric codes (e.g. "99213", "J1100", "0213T").
var procedureCodePattern = regexp.MustCompile(`^[A-Z0-9]{4,6}$`)

// ValidProcedureCode reports whether code has an acceptable format.
func ValidProcedureCode(code string) bool {
	return procedureCodePattern.MatchString(code)
}

// Case is a medical-procedure authorization request under audit.
// Status mutates only through the lifecycle state machine; every write
// carries the version read at fetch time and is rejected when stale.
type Case struct {
	ID             string          `json:"id"`
	PatientRef     string          `json:"patient_ref"`
	ProcedureCode  string          `json:"procedure_code"`
	RequestedValue decimal.Decimal `json:"requested_value"`
	Priority       Priority        `json:"priority"`
	Status         CaseStatus      `json:"status"`
	Assignee       string          `json:"assignee,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
