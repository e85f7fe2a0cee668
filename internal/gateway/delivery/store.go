package delivery

import (
	"context"
	"errors"
	"time"
)

// ErrStorageUnavailable wraps every durable-store failure. Callers treat
// it as retryable; the affected connection is never torn down because of
// it, since presence state is independent of storage health.
var ErrStorageUnavailable = errors.New("event storage unavailable")

// Store is the durable queue behind the delivery engine. Events written
// here survive process crashes; the in-memory queue is only a latency
// optimization on top of it.
//
// Implementations must keep LoadUndelivered idempotent: an event returned
// once reappears on every subsequent call until MarkDelivered is invoked
// for it, and never after.
type Store interface {
	// PersistEvent writes the durable copy and returns its delivery ID.
	PersistEvent(ctx context.Context, principal, eventType string, payload []byte, createdAt time.Time) (string, error)

	// LoadUndelivered returns up to max undelivered events for the
	// principal, ordered by creation time ascending.
	LoadUndelivered(ctx context.Context, principal string, max int) ([]Event, error)

	// MarkDelivered flags the durable copies as delivered.
	MarkDelivered(ctx context.Context, deliveryIDs []string) error

	// PurgeDelivered removes delivered events older than the cutoff and
	// returns how many were dropped.
	PurgeDelivered(ctx context.Context, olderThan time.Time) (int, error)

	// PurgeAbandoned removes never-delivered events older than the
	// cutoff; the target evidently stopped reconnecting.
	PurgeAbandoned(ctx context.Context, olderThan time.Time) (int, error)
}
