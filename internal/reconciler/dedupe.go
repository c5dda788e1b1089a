package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedupe is a Redis fast-path guard against replayed terminal webhooks. It is
// advisory: the rank guard inside the terminal transaction remains the source
// of truth, so a Redis outage degrades to extra database round trips, never to
// wrong state. The marker is set only after the transaction commits, so a
// failed apply never blocks a redelivery.
type Dedupe struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDedupe creates the guard with the given marker TTL.
func NewDedupe(client *redis.Client, ttl time.Duration) *Dedupe {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Dedupe{client: client, ttl: ttl}
}

// SeenTerminal reports whether a terminal webhook for the execution was
// already applied.
func (d *Dedupe) SeenTerminal(ctx context.Context, externalCallID string) (bool, error) {
	err := d.client.Get(ctx, terminalKey(externalCallID)).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("dedupe: get: %w", err)
	}
	return true, nil
}

// MarkTerminal records that the terminal outcome was applied.
func (d *Dedupe) MarkTerminal(ctx context.Context, externalCallID string) error {
	if err := d.client.Set(ctx, terminalKey(externalCallID), 1, d.ttl).Err(); err != nil {
		return fmt.Errorf("dedupe: set: %w", err)
	}
	return nil
}

func terminalKey(externalCallID string) string {
	return "webhook:terminal:" + externalCallID
}
