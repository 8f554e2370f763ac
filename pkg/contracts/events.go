package contracts

import (
	"encoding/json"
	"time"
)

// Externally visible domain event types.
const (
	EventCaseCreated   = "case.created"
	EventDecisionMade  = "decision.made"
	EventFraudDetected = "fraud.detected"
)

// Event is handed to the dispatcher collaborator after a committed
// transition. Delivery is best-effort, at-least-once; the payload is the
// canonical JSON representation of the case or decision involved.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	CaseID     string          `json:"case_id"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}
