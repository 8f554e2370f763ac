package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/clearline-health/authcore/pkg/store"
)

// ProcessorConfig tunes the outbox drain loop. Zero values fall back to
// production defaults.
type ProcessorConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxAttempts    int // attempts before an event goes dead
	InitialBackoff time.Duration
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		MaxAttempts:    10,
		InitialBackoff: 5 * time.Second,
	}
}

// Processor drains the outbox and hands events to the Publisher.
// Failures reschedule the event with exponential backoff until
// MaxAttempts, then dead-letter it. Run one processor per process; the
// store query is ordered, so redelivery preserves per-case emit order
// as long as prior events succeed.
type Processor struct {
	store store.Store
	pub   Publisher
	cfg   ProcessorConfig
	log   *slog.Logger
	clock func() time.Time
}

func NewProcessor(s store.Store, pub Publisher, cfg ProcessorConfig) *Processor {
	def := DefaultProcessorConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	return &Processor{
		store: s,
		pub:   pub,
		cfg:   cfg,
		log:   slog.Default().With("component", "dispatch.processor"),
		clock: time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (p *Processor) WithClock(clock func() time.Time) *Processor {
	p.clock = clock
	return p
}

// Run polls until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := p.DispatchOnce(ctx); err != nil {
			p.log.ErrorContext(ctx, "outbox drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce drains at most one batch and returns the number of
// events delivered.
func (p *Processor) DispatchOnce(ctx context.Context) (int, error) {
	batch, err := p.store.PendingEvents(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, rec := range batch {
		ev := rec.Event
		if err := p.pub.Publish(ctx, &ev); err != nil {
			attempts := rec.Attempts + 1
			dead := attempts >= p.cfg.MaxAttempts
			retryAt := p.clock().UTC().Add(p.backoff(attempts))
			if merr := p.store.MarkEventFailed(ctx, ev.ID, attempts, retryAt, dead); merr != nil {
				return delivered, merr
			}
			if dead {
				p.log.ErrorContext(ctx, "event dead-lettered",
					"event_id", ev.ID, "type", ev.Type, "attempts", attempts, "error", err)
			} else {
				p.log.WarnContext(ctx, "event delivery failed, rescheduled",
					"event_id", ev.ID, "type", ev.Type, "attempts", attempts, "retry_at", retryAt)
			}
			continue
		}
		if err := p.store.MarkEventDelivered(ctx, ev.ID); err != nil {
			// The publish went out; on restart it will be re-sent.
			// At-least-once tolerates that.
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (p *Processor) backoff(attempts int) time.Duration {
	d := p.cfg.InitialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d > 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}
