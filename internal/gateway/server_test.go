package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/veyra-ai/gateway/internal/classifier"
	"github.com/veyra-ai/gateway/internal/dispatch"
	"github.com/veyra-ai/gateway/internal/observe"
	"github.com/veyra-ai/gateway/internal/registry"
	"github.com/veyra-ai/gateway/internal/router"
	"github.com/veyra-ai/gateway/internal/session"
	"github.com/veyra-ai/gateway/internal/stats"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newTestServer(t *testing.T, backendContent string) (*Server, func()) {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` + backendContent + `"}}]}`))
	}))

	reg := registry.New([]*registry.Backend{
		{Key: "agent-primary", BaseURL: backend.URL, ModelID: "agent-v1", UseCase: classifier.UseCaseAgent},
	})

	store := session.NewMemoryStore(session.TTL)
	ids := sequentialIDs()
	rt := router.New(store, reg, ids)
	disp := dispatch.New(reg, backend.Client())
	sc := stats.New()
	sweeper := session.NewSweeper(store, time.Hour, session.TTL)
	metrics := testMetrics(t)

	srv := New(rt, disp, store, sweeper, reg, sc, metrics, 5*time.Second)
	return srv, backend.Close
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "sess-" + string(rune('0'+n))
	}
}

func TestHandleRoute_ColdRequestSucceeds(t *testing.T) {
	srv, closeBackend := newTestServer(t, "hello")
	defer closeBackend()

	body, _ := json.Marshal(map[string]any{"query": "Write a Python function to sort a list"})
	req := httptest.NewRequest(http.MethodPost, "/route", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp routeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.UseCase != "agent" || resp.BypassUsed || !resp.NewSession {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if rec.Header().Get("X-Session-ID") == "" {
		t.Error("expected X-Session-ID header")
	}
}

func TestHandleRoute_EmptyQueryIsRejected(t *testing.T) {
	srv, closeBackend := newTestServer(t, "hello")
	defer closeBackend()

	body, _ := json.Marshal(map[string]any{"query": ""})
	req := httptest.NewRequest(http.MethodPost, "/route", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleRoute_UnrecognizedModalityIsRejected(t *testing.T) {
	srv, closeBackend := newTestServer(t, "hello")
	defer closeBackend()

	body, _ := json.Marshal(map[string]any{"query": "hello", "modality": "smell"})
	req := httptest.NewRequest(http.MethodPost, "/route", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleRoute_TemperatureOutOfRangeIsRejected(t *testing.T) {
	srv, closeBackend := newTestServer(t, "hello")
	defer closeBackend()

	body, _ := json.Marshal(map[string]any{"query": "hello", "temperature": 5.0})
	req := httptest.NewRequest(http.MethodPost, "/route", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleRoute_WarmFollowUpBypasses(t *testing.T) {
	srv, closeBackend := newTestServer(t, "hello")
	defer closeBackend()

	body, _ := json.Marshal(map[string]any{"query": "Write a Python function to sort a list"})
	req := httptest.NewRequest(http.MethodPost, "/route", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var first routeResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &first)

	body2, _ := json.Marshal(map[string]any{"query": "Write a Python function to sort a list", "session_id": first.SessionID})
	req2 := httptest.NewRequest(http.MethodPost, "/route", bytes.NewReader(body2))
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req2)

	var second routeResponse
	_ = json.Unmarshal(rec2.Body.Bytes(), &second)
	if !second.BypassUsed || second.NewSession {
		t.Fatalf("expected bypass on second call, got %+v", second)
	}
}

func TestHandleGetSession_NotFoundReturns404(t *testing.T) {
	srv, closeBackend := newTestServer(t, "hello")
	defer closeBackend()

	req := httptest.NewRequest(http.MethodGet, "/sessions/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleDeleteSession_IsIdempotent(t *testing.T) {
	srv, closeBackend := newTestServer(t, "hello")
	defer closeBackend()

	req := httptest.NewRequest(http.MethodDelete, "/sessions/whatever", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first delete status = %d, want 200", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, httptest.NewRequest(http.MethodDelete, "/sessions/whatever", nil))
	if rec2.Code != http.StatusOK {
		t.Fatalf("second delete status = %d, want 200", rec2.Code)
	}
}

func TestHandleHealth_ReportsBackendsAndSessionStore(t *testing.T) {
	srv, closeBackend := newTestServer(t, "hello")
	defer closeBackend()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if _, ok := resp.Backends["agent-primary"]; !ok {
		t.Error("expected agent-primary in backends map")
	}
}

func TestHandleUseCases_ListsAllKnownUseCases(t *testing.T) {
	srv, closeBackend := newTestServer(t, "hello")
	defer closeBackend()

	req := httptest.NewRequest(http.MethodGet, "/use-cases", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var entries []useCaseEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(classifier.AllUseCases) {
		t.Fatalf("got %d use cases, want %d", len(entries), len(classifier.AllUseCases))
	}
}

func TestHandleHealthz_AlwaysOK(t *testing.T) {
	srv, closeBackend := newTestServer(t, "hello")
	defer closeBackend()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleReadyz_PassesWithHealthyBackend(t *testing.T) {
	srv, closeBackend := newTestServer(t, "hello")
	defer closeBackend()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleCleanup_SecondCallRemovesNothing(t *testing.T) {
	srv, closeBackend := newTestServer(t, "hello")
	defer closeBackend()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cleanup", nil))
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/cleanup", nil))

	var resp cleanupResponse
	_ = json.Unmarshal(rec2.Body.Bytes(), &resp)
	if resp.RemovedCount != 0 {
		t.Errorf("second cleanup removed_count = %d, want 0", resp.RemovedCount)
	}
}

func TestHandleStats_ReflectsRecordedRequests(t *testing.T) {
	srv, closeBackend := newTestServer(t, "hello")
	defer closeBackend()

	body, _ := json.Marshal(map[string]any{"query": "Write a Python function to sort a list"})
	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/route", bytes.NewReader(body)))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["total_requests"].(float64) != 1 {
		t.Errorf("total_requests = %v, want 1", out["total_requests"])
	}
}
