package contracts

import (
	"encoding/json"
	"time"
)

// Audit event types recorded on accepted transitions.
const (
	AuditCaseCreated       = "CASE_CREATED"
	AuditCaseAssigned      = "CASE_ASSIGNED"
	AuditCaseUnassigned    = "CASE_UNASSIGNED"
	AuditAnalysisCompleted = "ANALYSIS_COMPLETED"
	AuditDecisionCommitted = "DECISION_COMMITTED"
)

// AuditLogEntry is a single immutable record in a case's hash chain.
// Sequence is monotonic per case; Hash covers the previous hash, the
// canonicalized payload and the sequence number, so any mutation of a
// persisted entry breaks verification from that index on.
type AuditLogEntry struct {
	Sequence  uint64          `json:"sequence"`
	CaseID    string          `json:"case_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}
