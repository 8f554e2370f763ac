// Package dispatch moves committed domain events across the boundary to
// the external dispatcher collaborator. Events are queued in the store's
// outbox inside the same transaction as the state change that caused
// them; the processor drains the outbox and hands each event to a
// Publisher, retrying with backoff and dead-lettering poison events.
// Delivery is at-least-once; consumers deduplicate on event id.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/clearline-health/authcore/pkg/contracts"
)

// Publisher delivers one event to the external dispatcher. A nil error
// means the event is safely handed off and will not be re-sent.
type Publisher interface {
	Publish(ctx context.Context, ev *contracts.Event) error
}

// NoopPublisher logs and drops events. Default in development profiles
// where no dispatcher is configured.
type NoopPublisher struct {
	log *slog.Logger
}

func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{log: slog.Default().With("component", "dispatch.noop")}
}

func (p *NoopPublisher) Publish(ctx context.Context, ev *contracts.Event) error {
	p.log.DebugContext(ctx, "event dropped (no dispatcher configured)",
		"event_id", ev.ID, "type", ev.Type, "case_id", ev.CaseID)
	return nil
}
