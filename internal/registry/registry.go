// Package registry holds the immutable, startup-configured table of
// inference backends and the background prober that keeps their health
// state current (spec.md §3, §4.5).
package registry

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/veyra-ai/gateway/internal/classifier"
)

// HealthState is the mutable health classification of a [Backend].
type HealthState int32

const (
	HealthHealthy HealthState = iota
	HealthDegraded
	HealthUnhealthy
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Backend describes one opaque external inference endpoint (spec.md §3).
// The set of Backends is configured at startup and is immutable during a
// run; only the Health field mutates, and it does so through atomic
// operations so the hot path never blocks on the prober's writes.
type Backend struct {
	Key              string
	BaseURL          string
	ModelID          string
	UseCase          classifier.UseCase
	IsFallback       bool
	SupportedFormats map[string]bool
	TimeoutMS        int
	HealthPath       string

	health atomic.Int32
	// latency records the last probe's round-trip time for /health reporting.
	latency atomic.Int64
	// consecutiveFails counts failed probes since the last successful probe;
	// only the prober goroutine for this
	// backend touches it, but it's atomic so Health()/LastLatency() readers
	// never race with it.
	consecutiveFails atomic.Int32
}

// Health returns the backend's current health state. Safe for concurrent use
// — single-writer (the prober), many-readers (the hot path).
func (b *Backend) Health() HealthState { return HealthState(b.health.Load()) }

// LastLatency returns the duration of the most recent health probe.
func (b *Backend) LastLatency() time.Duration { return time.Duration(b.latency.Load()) }

func (b *Backend) setHealth(h HealthState) { b.health.Store(int32(h)) }
func (b *Backend) setLatency(d time.Duration) { b.latency.Store(int64(d)) }

// Registry is the immutable-after-construction map from backend key to
// [Backend], indexed also by use case for fallback lookups. Backends within
// a use case keep registration order; [Registry.Primary] and
// [Registry.Fallback] scan them in that order.
type Registry struct {
	byKey     map[string]*Backend
	byUseCase map[classifier.UseCase][]*Backend
}

// New builds a Registry from backends. Dangling references are impossible
// by construction: every Backend named here is the single source of truth
// for its key (spec.md §3 invariant 1, enforced at write time rather than
// read time, is satisfied because nothing outside this package can mint a
// backend_key that isn't in byKey).
func New(backends []*Backend) *Registry {
	r := &Registry{
		byKey:     make(map[string]*Backend, len(backends)),
		byUseCase: make(map[classifier.UseCase][]*Backend),
	}
	for _, b := range backends {
		b.setHealth(HealthHealthy)
		r.byKey[b.Key] = b
		r.byUseCase[b.UseCase] = append(r.byUseCase[b.UseCase], b)
	}
	return r
}

// Get resolves a backend key. The bool is false when the key is unknown.
func (r *Registry) Get(key string) (*Backend, bool) {
	b, ok := r.byKey[key]
	return b, ok
}

// Primary returns the first (non-fallback, by registration order) backend
// registered for uc, or nil if none exist.
func (r *Registry) Primary(uc classifier.UseCase) *Backend {
	for _, b := range r.byUseCase[uc] {
		if !b.IsFallback {
			return b
		}
	}
	if bs := r.byUseCase[uc]; len(bs) > 0 {
		return bs[0]
	}
	return nil
}

// HealthyOrFallback returns a healthy backend for uc: the primary if it is
// not unhealthy, otherwise the first healthy fallback, otherwise nil
// (spec.md §4.4 step 2 / §4.6 fallback policy).
func (r *Registry) HealthyOrFallback(uc classifier.UseCase) *Backend {
	backends := r.byUseCase[uc]
	var primary *Backend
	for _, b := range backends {
		if !b.IsFallback {
			primary = b
			break
		}
	}
	if primary != nil && primary.Health() != HealthUnhealthy {
		return primary
	}
	for _, b := range backends {
		if b == primary {
			continue
		}
		if b.Health() != HealthUnhealthy {
			return b
		}
	}
	return nil
}

// Fallback returns the configured fallback for uc other than exclude, or nil
// if none is registered (spec.md §4.6: "consults the registry for a
// fallback backend registered to the same use case").
func (r *Registry) Fallback(uc classifier.UseCase, exclude *Backend) *Backend {
	for _, b := range r.byUseCase[uc] {
		if b != exclude && b.IsFallback {
			return b
		}
	}
	return nil
}

// All returns every configured backend for diagnostics (/health), grouped
// by use case and in registration order within each use case; the order of
// the use-case groups is not defined.
func (r *Registry) All() []*Backend {
	out := make([]*Backend, 0, len(r.byKey))
	for _, bs := range r.byUseCase {
		out = append(out, bs...)
	}
	return out
}

// Prober periodically probes every backend's health endpoint and updates its
// [HealthState] per the transition table in spec.md §4.5:
//
//	healthy  -> degraded  on one failed probe
//	degraded -> unhealthy on three consecutive failed probes
//	any      -> healthy   on one successful probe
type Prober struct {
	registry *Registry
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a Prober for registry, probing every backend every
// interval with the given per-probe timeout.
func NewProber(registry *Registry, interval, timeout time.Duration) *Prober {
	return &Prober{
		registry: registry,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		timeout:  timeout,
	}
}

// Run blocks, probing all backends on a ticker, until ctx is cancelled.
// Each tick probes every backend concurrently so one slow/unhealthy backend
// never delays the others' state updates.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, b := range p.registry.All() {
		go p.probeOne(ctx, b)
	}
}

func (p *Prober) probeOne(ctx context.Context, b *Backend) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	ok := p.probe(probeCtx, b)
	b.setLatency(time.Since(start))

	if ok {
		b.consecutiveFails.Store(0)
		b.setHealth(HealthHealthy)
		return
	}

	fails := b.consecutiveFails.Add(1)
	switch b.Health() {
	case HealthHealthy:
		b.setHealth(HealthDegraded)
	case HealthDegraded:
		if fails >= 3 {
			b.setHealth(HealthUnhealthy)
		}
	case HealthUnhealthy:
		// already worst state
	}
}

func (p *Prober) probe(ctx context.Context, b *Backend) bool {
	path := b.HealthPath
	if path == "" {
		path = "/health"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+path, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ErrUnknownBackend is returned when a config entry references a backend key
// the registry does not know about.
type ErrUnknownBackend struct{ Key string }

func (e ErrUnknownBackend) Error() string {
	return fmt.Sprintf("registry: unknown backend %q", e.Key)
}
