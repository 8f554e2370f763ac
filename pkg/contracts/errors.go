package contracts

import "fmt"

// ValidationError reports malformed input. It is never retried
// automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown case, analysis or decision id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ConflictError reports a state-machine CAS failure: the case was not in
// the expected status/version, or a decision already exists. The caller
// may re-fetch case state and decide whether to retry.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// AnalysisUnavailableError reports that the external analysis collaborator
// exhausted its retry budget. It is advisory: manual decisions proceed
// without AI support.
type AnalysisUnavailableError struct {
	CaseID   string
	Attempts int
	Err      error
}

func (e *AnalysisUnavailableError) Error() string {
	return fmt.Sprintf("analysis unavailable for case %s after %d attempts: %v", e.CaseID, e.Attempts, e.Err)
}

func (e *AnalysisUnavailableError) Unwrap() error { return e.Err }

// IntegrityError reports an audit hash-chain verification failure. It is
// fatal for the affected case: automated processing halts and an operator
// must investigate. It is never auto-repaired.
type IntegrityError struct {
	CaseID string
	Index  int
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit integrity failure for case %s at index %d: %s", e.CaseID, e.Index, e.Reason)
}
