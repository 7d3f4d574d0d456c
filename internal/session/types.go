// Package session implements the session-affinity cache: the
// [Binding] type, its context-hash fingerprint, and the [Store]
// abstraction with in-memory and Redis-backed implementations (spec.md §3,
// §4.2, §4.3).
package session

import "time"

// Binding is the central stateful entity of the gateway (spec.md §3). Every
// mutation goes through [Store.Mutate], which is responsible for preserving
// the invariants listed there: backend_key always resolves in the registry
// (enforced by callers before they hand a Binding to Mutate), request_count
// is monotonically non-decreasing, last_accessed_at >= created_at.
type Binding struct {
	SessionID      string
	UseCase        string
	BackendKey     string
	ModelID        string
	Confidence     float64
	ContextHash    uint64
	RequestCount   int
	CreatedAt      time.Time
	LastAccessedAt time.Time
	BypassEnabled  bool
}

// expired reports whether b has been idle longer than ttl as of now
// (spec.md §3 invariant 4).
func (b Binding) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(b.LastAccessedAt) > ttl
}

// normalize enforces invariants 2 and 3 of spec.md §3 on a candidate
// binding produced by a [Store.Mutate] callback: RequestCount never moves
// backwards relative to prev, LastAccessedAt is always >= CreatedAt and is
// stamped to now, and CreatedAt is preserved from prev once a binding
// exists.
func normalize(prev Binding, prevFound bool, next Binding, now time.Time) Binding {
	if prevFound {
		if next.RequestCount < prev.RequestCount {
			next.RequestCount = prev.RequestCount
		}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = prev.CreatedAt
		}
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.LastAccessedAt = now
	return next
}
