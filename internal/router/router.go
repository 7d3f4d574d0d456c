// Package router implements the Bypass Router (spec.md §4.4): the decision
// of whether a request can reuse a cached [session.Binding] or must go
// through the [classifier.Classify] + [registry.Registry] cold path.
package router

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/veyra-ai/gateway/internal/classifier"
	"github.com/veyra-ai/gateway/internal/gwerr"
	"github.com/veyra-ai/gateway/internal/registry"
	"github.com/veyra-ai/gateway/internal/session"
)

// Request is the normalized input to [Route].
type Request struct {
	SessionID string
	Query     string
	Modality  classifier.Modality
	Context   map[string]string
}

// Routed is the outcome of [Route] (spec.md §4.4).
type Routed struct {
	SessionID      string
	UseCase        classifier.UseCase
	Backend        *registry.Backend
	ModelID        string
	BypassUsed     bool
	NewSession     bool
	ContextChanged bool
	Classification classifier.Result
}

// Router consults the session store and backend registry to decide, per
// request, whether to bypass classification.
type Router struct {
	store    session.Store
	registry *registry.Registry
	sf       singleflight.Group
	newID    func() string
}

// New creates a Router over store and registry. newID mints fresh session
// ids (injected so tests can supply a deterministic generator).
func New(store session.Store, reg *registry.Registry, newID func() string) *Router {
	return &Router{store: store, registry: reg, newID: newID}
}

// Route implements the decision procedure of spec.md §4.4.
func (r *Router) Route(ctx context.Context, req Request) (Routed, error) {
	if req.SessionID != "" {
		existing, found, err := r.store.Get(ctx, req.SessionID)
		if err != nil {
			return Routed{}, gwerr.Wrap(gwerr.KindInternal, err, "session store get")
		}
		if found {
			newHash := session.ContextHash(req.Query, string(req.Modality), req.Context)
			backend, ok := r.registry.Get(existing.BackendKey)
			backendHealthy := ok && backend.Health() != registry.HealthUnhealthy

			if existing.BypassEnabled && newHash == existing.ContextHash && backendHealthy {
				updated, err := r.store.Mutate(ctx, req.SessionID, func(prev session.Binding, found bool) session.Binding {
					prev.RequestCount++
					return prev
				})
				if err != nil {
					return Routed{}, gwerr.Wrap(gwerr.KindInternal, err, "session store mutate")
				}
				return Routed{
					SessionID:  updated.SessionID,
					UseCase:    classifier.UseCase(updated.UseCase),
					Backend:    backend,
					ModelID:    updated.ModelID,
					BypassUsed: true,
				}, nil
			}

			// Full route, but on an existing session id: context changed,
			// bypass disabled, or the bound backend is unhealthy.
			return r.fullRoute(ctx, req, newHash, newHash != existing.ContextHash)
		}
	}

	hash := session.ContextHash(req.Query, string(req.Modality), req.Context)
	return r.fullRoute(ctx, req, hash, false)
}

// fullRoute runs the classifier, resolves a healthy backend, and writes the
// resulting binding back to the store (spec.md §4.4 steps 2-4).
func (r *Router) fullRoute(ctx context.Context, req Request, hash uint64, contextChanged bool) (Routed, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = r.newID()
	}

	// De-dupe concurrent cold-classifications racing on the same not-yet-bound
	// session id (e.g. a client firing two first-turn requests back to back)
	// so the backend is only consulted once and both callers observe the
	// same winning binding.
	v, err, _ := r.sf.Do(sessionID, func() (any, error) {
		return r.classifyAndBind(ctx, req, sessionID, hash)
	})
	if err != nil {
		return Routed{}, err
	}
	routed := v.(Routed)
	routed.ContextChanged = contextChanged
	return routed, nil
}

func (r *Router) classifyAndBind(ctx context.Context, req Request, sessionID string, hash uint64) (Routed, error) {
	result := classifier.Classify(req.Query, req.Modality)

	backend := r.registry.HealthyOrFallback(result.UseCase)
	if backend == nil {
		return Routed{}, gwerr.New(gwerr.KindNoHealthyBackend, "no healthy backend for use case %q", result.UseCase)
	}

	var newSession bool
	updated, err := r.store.Mutate(ctx, sessionID, func(prev session.Binding, found bool) session.Binding {
		newSession = !found
		return session.Binding{
			SessionID:     sessionID,
			UseCase:       string(result.UseCase),
			BackendKey:    backend.Key,
			ModelID:       backend.ModelID,
			Confidence:    result.Confidence,
			ContextHash:   hash,
			RequestCount:  prev.RequestCount + 1,
			BypassEnabled: true,
		}
	})
	if err != nil {
		return Routed{}, gwerr.Wrap(gwerr.KindInternal, err, "session store mutate")
	}

	return Routed{
		SessionID:      sessionID,
		UseCase:        result.UseCase,
		Backend:        backend,
		ModelID:        updated.ModelID,
		BypassUsed:     false,
		NewSession:     newSession,
		Classification: result,
	}, nil
}

