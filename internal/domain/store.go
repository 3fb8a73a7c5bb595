package domain

import (
	"context"
	"time"
)

// PositionStore persists trailing-stop positions. It is the single source of
// truth for position state across restarts.
type PositionStore interface {
	// Upsert writes the full record, last-writer-wins on StateKey. There are
	// no partial-field patches; callers always write the whole position.
	Upsert(ctx context.Context, pos Position) error

	// UpdateIfMonitored writes the full record like Upsert, but only while the
	// stored row still has a non-terminal status. It returns false when the
	// row is missing or already terminal. Tick results are persisted through
	// this guard so an in-flight evaluation can never overwrite a concurrent
	// cancel: the terminal row always wins.
	UpdateIfMonitored(ctx context.Context, pos Position) (bool, error)

	// Get returns the position for the given state key. The boolean is false
	// when no such position exists.
	Get(ctx context.Context, stateKey string) (Position, bool, error)

	// ListByStatus returns all positions whose status is in the given set.
	ListByStatus(ctx context.Context, statuses []Status) ([]Position, error)

	// MarkCancelled transitions a non-terminal position to cancelled. It is a
	// no-op returning ErrTerminal when the position is already terminal, and
	// ErrNotFound when the key does not exist.
	MarkCancelled(ctx context.Context, stateKey string) (Position, error)

	// ListTerminalBefore returns terminal positions last updated strictly
	// before the cutoff. Used by the cold-storage archiver.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]Position, error)
}

// PriceSource fetches the last traded price for a symbol. Implementations
// must be safe for concurrent use; errors are transient-retry candidates, not
// position-fatal by themselves.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// Scheduler is the capability of monitoring a position on a fixed period.
// Exactly one implementation is selected per process lifetime: the durable
// Redis-backed queue when the broker is reachable at startup, otherwise the
// in-process poller.
type Scheduler interface {
	// Schedule registers a recurring monitoring job for the state key.
	// Re-registering an already scheduled key is idempotent.
	Schedule(ctx context.Context, stateKey string) error

	// Unschedule removes the job for the state key. Unscheduling an unknown
	// key is a no-op.
	Unschedule(ctx context.Context, stateKey string) error

	// Name identifies the scheduling path ("queue" or "poller") for logs.
	Name() string
}

// LockManager provides a short-TTL mutual-exclusion lease per state key so
// that two overlapping ticks never evaluate the same position concurrently.
type LockManager interface {
	// Acquire obtains the lease and returns an unlock function, or ErrLockHeld
	// when another holder owns it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SignalBus carries position lifecycle events to interested consumers (the
// WebSocket hub, dashboards).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter uploads a serialized object to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}
