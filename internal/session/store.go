package session

import (
	"context"
	"time"
)

// MutateFunc computes the next binding state given the previous one (the
// zero value and found=false when no binding exists yet for this session
// id). Implementations of [Store] call MutateFunc while holding whatever
// per-session lock they use, so the read-modify-write is atomic even under
// concurrent callers — this is how spec.md §4.2's "two concurrent puts for
// the same session must serialize and the final state must reflect the
// later one's request_count" requirement is met without a global lock.
type MutateFunc func(prev Binding, found bool) Binding

// Store is the session-affinity cache (spec.md §4.2). Implementations must
// be linearizable per session id; different session ids may proceed fully
// independently (no global lock on the hot path).
type Store interface {
	// Get returns the binding for id, or found=false if it does not exist or
	// has expired. A lazy read of an expired binding deletes it as a side
	// effect (spec.md §4.2 "lazy-on-read").
	Get(ctx context.Context, id string) (Binding, bool, error)

	// Mutate atomically applies fn to the current binding for id (or the
	// zero value if absent) and stores the result, stamping LastAccessedAt
	// and enforcing the monotonic-RequestCount invariant.
	Mutate(ctx context.Context, id string, fn MutateFunc) (Binding, error)

	// Delete removes the binding for id. Deleting an absent id is not an
	// error (spec.md: DELETE /sessions/{id} is idempotent).
	Delete(ctx context.Context, id string) error

	// Sweep deletes every binding idle longer than ttl as of now and
	// returns the count removed.
	Sweep(ctx context.Context, now time.Time, ttl time.Duration) (int, error)

	// Degraded reports whether the store has fallen back to ephemeral
	// in-process state because its backing KV is unreachable (spec.md
	// §4.2 failure mode). A purely in-memory store is never degraded.
	Degraded() bool

	// Close releases any resources (connections, background goroutines)
	// held by the store.
	Close() error
}

// TTL is the default session idle timeout (spec.md §3: default 30 min).
const TTL = 30 * time.Minute

// SweepInterval is the default period between sweeper runs (spec.md §4.2:
// default every 60s).
const SweepInterval = 60 * time.Second
