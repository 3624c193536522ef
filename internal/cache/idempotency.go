package cache

import (
	"context"
	"time"
)

// IdempotencyStore remembers which submission events were already handled,
// so a redelivered event does not run the live pipeline twice.
type IdempotencyStore interface {
	// MarkProcessed marks an event as processed with a TTL.
	// Returns true if the event was newly marked, false if it was already processed.
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)

	// IsProcessed checks if an event has already been processed.
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// Release forgets an event so a failed attempt can be retried.
	Release(ctx context.Context, eventID string) error

	Close() error
}
