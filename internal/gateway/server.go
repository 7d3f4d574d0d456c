// Package gateway implements the Gateway API (spec.md §4.7, §6): the HTTP
// surface that parses and validates incoming requests, drives the router
// and dispatcher, times every phase, and renders the uniform JSON envelope.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veyra-ai/gateway/internal/classifier"
	"github.com/veyra-ai/gateway/internal/dispatch"
	"github.com/veyra-ai/gateway/internal/gwerr"
	"github.com/veyra-ai/gateway/internal/health"
	"github.com/veyra-ai/gateway/internal/observe"
	"github.com/veyra-ai/gateway/internal/registry"
	"github.com/veyra-ai/gateway/internal/router"
	"github.com/veyra-ai/gateway/internal/session"
	"github.com/veyra-ai/gateway/internal/stats"
)

// Server implements the Gateway API handlers described in spec.md §4.7. It
// holds no state of its own beyond its collaborators — every field is a
// reference to a subsystem constructed and owned by the caller (see
// [internal/app]).
type Server struct {
	router      *router.Router
	dispatcher  *dispatch.Dispatcher
	sessions    session.Store
	sweeper     *session.Sweeper
	registry    *registry.Registry
	stats       *stats.Collector
	metrics     *observe.Metrics
	deadline    time.Duration
	healthCheck *health.Handler
}

// New creates a [Server]. deadline is the per-request processing deadline
// applied to every POST /route call (spec.md §5: request_deadline_ms,
// default 30s).
func New(r *router.Router, d *dispatch.Dispatcher, sessions session.Store, sweeper *session.Sweeper, reg *registry.Registry, st *stats.Collector, metrics *observe.Metrics, deadline time.Duration) *Server {
	s := &Server{
		router:     r,
		dispatcher: d,
		sessions:   sessions,
		sweeper:    sweeper,
		registry:   reg,
		stats:      st,
		metrics:    metrics,
		deadline:   deadline,
	}
	s.healthCheck = health.New(
		health.Checker{Name: "session_store", Check: func(context.Context) error {
			if sessions.Degraded() {
				return errSessionStoreDegraded
			}
			return nil
		}},
		health.Checker{Name: "backends", Check: func(context.Context) error {
			for _, b := range reg.All() {
				if b.Health() != registry.HealthUnhealthy {
					return nil
				}
			}
			return errNoHealthyBackends
		}},
	)
	return s
}

var (
	errSessionStoreDegraded = errors.New("session store degraded")
	errNoHealthyBackends    = errors.New("no healthy backends")
)

// Handler builds the chi router exposing every endpoint in spec.md §6,
// wrapped in the observability middleware (spec.md §10 ambient stack).
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.metrics))

	r.Post("/route", s.handleRoute)
	r.Get("/sessions/{id}", s.handleGetSession)
	r.Delete("/sessions/{id}", s.handleDeleteSession)
	r.Get("/stats", s.handleStats)
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.healthCheck.Healthz)
	r.Get("/readyz", s.healthCheck.Readyz)
	r.Get("/use-cases", s.handleUseCases)
	r.Post("/cleanup", s.handleCleanup)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// handleRoute implements POST /route (spec.md §4.7's state machine:
// received -> validated -> routed -> dispatched -> responded).
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	totalStart := time.Now()

	ctx, cancel := context.WithTimeout(r.Context(), s.deadline)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var body routeRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, gwerr.Wrap(gwerr.KindValidation, err, "malformed request body"), 0, 0)
		return
	}

	norm, err := body.validate()
	if err != nil {
		s.writeError(w, err, 0, 0)
		return
	}

	modality, err := classifier.ParseModality(norm.Modality)
	if err != nil {
		s.writeError(w, gwerr.Wrap(gwerr.KindValidation, err, "invalid modality"), 0, 0)
		return
	}

	routingStart := time.Now()
	routed, err := s.router.Route(ctx, router.Request{
		SessionID: norm.SessionID,
		Query:     norm.Query,
		Modality:  modality,
		Context:   norm.Context,
	})
	routingTime := time.Since(routingStart)
	if err != nil {
		s.recordFailure(routed.UseCase, routed.BypassUsed, routingTime, time.Since(totalStart))
		s.writeError(w, err, routingTime.Seconds(), time.Since(totalStart).Seconds())
		return
	}

	if routed.NewSession {
		s.stats.RecordSessionCreation()
	}
	if routed.ContextChanged {
		s.stats.RecordContextChange()
	}

	inferenceStart := time.Now()
	resp, err := s.dispatcher.Dispatch(ctx, routed, dispatch.Request{
		Query:       norm.Query,
		Temperature: norm.Temperature,
		MaxTokens:   norm.MaxTokens,
	})
	inferenceTime := time.Since(inferenceStart)
	totalTime := time.Since(totalStart)

	if err != nil {
		s.recordFailure(routed.UseCase, routed.BypassUsed, routingTime, totalTime)
		w.Header().Set("X-Session-ID", routed.SessionID)
		s.writeErrorWithSession(w, err, routed.SessionID, string(routed.UseCase), routingTime.Seconds(), totalTime.Seconds())
		return
	}

	s.stats.RecordInference(inferenceTime)
	if routed.BypassUsed {
		s.stats.RecordBypass(routed.UseCase, routingTime, totalTime)
	} else {
		s.stats.RecordRoute(routed.UseCase, routingTime, totalTime)
	}
	s.metrics.RecordRequest(ctx, string(routed.UseCase), routed.BypassUsed)

	w.Header().Set("X-Session-ID", routed.SessionID)
	writeJSON(w, http.StatusOK, routeResponse{
		Success:       true,
		Result:        resp.Content,
		UseCase:       string(routed.UseCase),
		SelectedModel: resp.ModelID,
		Endpoint:      routed.Backend.BaseURL,
		Confidence:    routed.Classification.Confidence,
		RoutingTime:   routingTime.Seconds(),
		BypassUsed:    routed.BypassUsed,
		SessionID:     routed.SessionID,
		NewSession:    routed.NewSession,
		InferenceTime: inferenceTime.Seconds(),
		TotalTime:     totalTime.Seconds(),
	})
}

func (s *Server) recordFailure(uc classifier.UseCase, bypass bool, routingTime, totalTime time.Duration) {
	s.stats.RecordError()
	if bypass {
		s.stats.RecordBypass(uc, routingTime, totalTime)
	} else {
		s.stats.RecordRoute(uc, routingTime, totalTime)
	}
}

// handleGetSession implements GET /sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	binding, found, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, gwerr.Wrap(gwerr.KindInternal, err, "session store get"), 0, 0)
		return
	}
	if !found {
		s.writeError(w, gwerr.New(gwerr.KindSessionNotFound, "session %q not found", id), 0, 0)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:      binding.SessionID,
		UseCase:        binding.UseCase,
		BackendKey:     binding.BackendKey,
		ModelID:        binding.ModelID,
		Confidence:     binding.Confidence,
		RequestCount:   binding.RequestCount,
		CreatedAt:      binding.CreatedAt.UTC().Format(time.RFC3339),
		LastAccessedAt: binding.LastAccessedAt.UTC().Format(time.RFC3339),
		BypassEnabled:  binding.BypassEnabled,
	})
}

// handleDeleteSession implements DELETE /sessions/{id}, idempotent per
// spec.md §6.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		s.writeError(w, gwerr.Wrap(gwerr.KindInternal, err, "session store delete"), 0, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleStats implements GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap := s.stats.Snapshot()
	out := map[string]any{
		"total_requests":        snap.TotalRequests,
		"bypass_count":          snap.BypassCount,
		"error_count":           snap.ErrorCount,
		"full_routing_requests": snap.FullRoutingRequests,
		"session_creations":     snap.SessionCreations,
		"context_changes":       snap.ContextChanges,
		"bypass_rate_percent":   snap.BypassRate * 100,
		"use_case_counts":       snap.UseCaseCounts,
		"avg_routing_time_ms":   snap.AvgRoutingTimeMS,
		"avg_bypass_time_ms":    snap.AvgBypassTimeMS,
		"avg_inference_time_ms": snap.AvgInferenceTimeMS,
		"avg_total_time_ms":     snap.AvgTotalTimeMS,
	}
	writeJSON(w, http.StatusOK, out)
}

// handleHealth implements GET /health (spec.md §6: overall status is the
// worst of the components).
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	backends := make(map[string]backendHealth, len(s.registry.All()))
	overall := "healthy"

	for _, b := range s.registry.All() {
		status := b.Health().String()
		backends[b.Key] = backendHealth{
			Status:        status,
			BreakerStatus: s.dispatcher.BreakerHealth(b.Key),
			Endpoint:      b.BaseURL,
			LastLatencyMS: b.LastLatency().Milliseconds(),
		}
		overall = worstStatus(overall, status)
	}

	sessionStoreStatus := "connected"
	if s.sessions.Degraded() {
		sessionStoreStatus = "degraded"
		overall = worstStatus(overall, "degraded")
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:       overall,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SessionStore: sessionStoreStatus,
		Backends:     backends,
	})
}

// worstStatus returns whichever of a, b is worse on the healthy < degraded <
// unhealthy ordering.
func worstStatus(a, b string) string {
	rank := map[string]int{"healthy": 0, "degraded": 1, "unhealthy": 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// handleUseCases implements GET /use-cases.
func (s *Server) handleUseCases(w http.ResponseWriter, _ *http.Request) {
	entries := make([]useCaseEntry, 0, len(classifier.AllUseCases))
	for _, uc := range classifier.AllUseCases {
		meta := classifier.UseCaseMetadata[uc]
		endpoint := ""
		if b := s.registry.Primary(uc); b != nil {
			endpoint = b.BaseURL
		}
		entries = append(entries, useCaseEntry{
			ID:          string(uc),
			Description: meta.Description,
			Endpoint:    endpoint,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleCleanup implements POST /cleanup.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	n, err := s.sweeper.SweepNow(r.Context())
	if err != nil {
		s.writeError(w, gwerr.Wrap(gwerr.KindInternal, err, "session sweep"), 0, 0)
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{Success: true, RemovedCount: n})
}

// writeError renders err as the spec.md §6 failure envelope, logging
// unexpected ([gwerr.KindInternal]) failures.
func (s *Server) writeError(w http.ResponseWriter, err error, routingTime, totalTime float64) {
	s.writeErrorWithSession(w, err, "", "", routingTime, totalTime)
}

func (s *Server) writeErrorWithSession(w http.ResponseWriter, err error, sessionID, useCase string, routingTime, totalTime float64) {
	var gerr *gwerr.Error
	kind := gwerr.KindInternal
	if errors.As(err, &gerr) {
		kind = gerr.Kind
	} else {
		slog.Error("unclassified gateway error", "err", err)
	}
	if kind == gwerr.KindInternal {
		slog.Error("internal gateway error", "err", err)
	}

	s.metrics.RecordError(context.Background(), kind.String())

	if sessionID != "" {
		w.Header().Set("X-Session-ID", sessionID)
	}
	writeJSON(w, kind.Status(), errorResponse{
		Success:      false,
		ErrorMessage: err.Error(),
		UseCase:      useCase,
		SessionID:    sessionID,
		RoutingTime:  routingTime,
		TotalTime:    totalTime,
	})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode json response", "err", err)
	}
}
