package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clearline-health/authcore/pkg/contracts"
)

// DefaultStream is the redis stream events are appended to.
const DefaultStream = "authcore:events"

// RedisPublisher appends events to a redis stream. The stream entry id
// is assigned by redis; the domain event id travels in the fields so
// consumers can deduplicate replays.
type RedisPublisher struct {
	client *redis.Client
	stream string
}

func NewRedisPublisher(addr, password string, db int, stream string) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		stream: stream,
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev *contracts.Event) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"event_id":    ev.ID,
			"type":        ev.Type,
			"case_id":     ev.CaseID,
			"payload":     string(ev.Payload),
			"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
