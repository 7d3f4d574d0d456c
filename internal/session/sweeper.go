package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically evicts expired bindings from a [Store] (spec.md
// §4.2's "sweeper" enforcement path, as distinct from lazy-on-read).
type Sweeper struct {
	store    Store
	interval time.Duration
	ttl      time.Duration
}

// NewSweeper creates a Sweeper that calls store.Sweep every interval with
// the given ttl.
func NewSweeper(store Store, interval, ttl time.Duration) *Sweeper {
	return &Sweeper{store: store, interval: interval, ttl: ttl}
}

// Run blocks, sweeping on a ticker, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.Sweep(ctx, time.Now(), s.ttl)
			if err != nil {
				slog.Warn("session sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("session sweep removed expired bindings", "count", n)
			}
		}
	}
}

// SweepNow runs a single sweep immediately and returns the number removed.
// Used by the /cleanup endpoint (spec.md §6).
func (s *Sweeper) SweepNow(ctx context.Context) (int, error) {
	return s.store.Sweep(ctx, time.Now(), s.ttl)
}
