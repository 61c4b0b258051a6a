// Package store defines the append-only event store contract
// (component C2): atomic, idempotent, chain-verified append and
// deterministic, tenant-scoped read. Two implementations exist:
// memory (tests, single-process demos) and postgres (production).
package store

import (
	"context"
	"time"

	"github.com/majorsoln/bos/pkg/kernel"
)

// ReadOptions scopes and paginates a Read call. All fields optional.
type ReadOptions struct {
	Since  *time.Time
	Until  *time.Time
	Cursor *kernel.Cursor
	Limit  int
}

// ReadResult is one page of a business's event log in
// (received_at, event_id) order.
type ReadResult struct {
	Events     []kernel.Event
	NextCursor *kernel.Cursor
}

// AppendResult reports, per input event, whether it was newly
// inserted or returned unchanged for idempotency.
type AppendResult struct {
	Events   []kernel.Event
	Inserted []bool
}

// Store is the append-only log contract. Implementations MUST
// enforce: all events in one Append share BusinessID; the batch is
// appended atomically in order; each event's PreviousEventHash must
// equal the chain tip (or the prior event in the same batch);
// duplicate EventID with identical payload returns the stored event
// unchanged; duplicate EventID with a different payload returns
// kernelerrors.CodeIdempotencyConflict; ReceivedAt is assigned
// monotonically by the store, never by the caller.
type Store interface {
	// Append atomically appends events, all belonging to businessID,
	// to that business's chain. Rejected entirely on any constraint
	// violation — no partial append is ever observable.
	Append(ctx context.Context, businessID string, events []kernel.Event) (AppendResult, error)

	// Read returns events in (received_at, event_id) order, never
	// crossing into another business's events.
	Read(ctx context.Context, businessID string, opts ReadOptions) (ReadResult, error)

	// ChainTip returns the event_hash of the most recently appended
	// event for businessID, or kernel.Genesis if the chain is empty.
	ChainTip(ctx context.Context, businessID string) (string, error)

	// SetReplayActive marks businessID as under active replay. While
	// active, Append for that business returns
	// kernelerrors.ErrReplayIsolation.
	SetReplayActive(ctx context.Context, businessID string, active bool) error
}
