package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/veyra-ai/gateway/internal/app"
	"github.com/veyra-ai/gateway/internal/classifier"
	"github.com/veyra-ai/gateway/internal/config"
	"github.com/veyra-ai/gateway/internal/registry"
	"github.com/veyra-ai/gateway/internal/session"
)

// testConfig returns a minimal config pointed at a single fake backend.
func testConfig(backendURL string) *config.Config {
	return &config.Config{
		ListenAddr:            "127.0.0.1:0",
		LogLevel:              "error",
		SessionTTL:            30 * time.Minute,
		RequestDeadline:       5 * time.Second,
		ProbeInterval:         time.Minute,
		MaxRetries:            1,
		BackendConcurrencyCap: 8,
		Backends: []config.BackendConfig{
			{
				Key:     "agent-primary",
				BaseURL: backendURL,
				ModelID: "agent-v1",
				UseCase: classifier.UseCaseAgent,
			},
		},
	}
}

func TestNew_WithInjectedSessionStore(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer backend.Close()

	store := session.NewMemoryStore(session.TTL)
	application, err := app.New(testConfig(backend.URL), app.WithSessionStore(store))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
}

func TestNew_AcceptsEmptyBackendList(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://unused")
	cfg.Backends = nil

	// config.Validate is not called by app.New directly (that's config.Load's
	// job), but registry.New with zero backends must still produce a usable,
	// if entirely unhealthy, registry rather than panicking.
	application, err := app.New(cfg, app.WithSessionStore(session.NewMemoryStore(session.TTL)))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
}

func TestNew_WithInjectedRegistry(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer backend.Close()

	reg := registry.New([]*registry.Backend{
		{Key: "agent-primary", BaseURL: backend.URL, ModelID: "agent-v1", UseCase: classifier.UseCaseAgent},
	})

	cfg := testConfig("http://unused")
	application, err := app.New(cfg, app.WithRegistry(reg), app.WithSessionStore(session.NewMemoryStore(session.TTL)))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
}

// TestRunAndShutdown exercises the full lifecycle: Run serves HTTP until the
// context is cancelled, and Shutdown tears down cleanly afterward.
func TestRunAndShutdown(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer backend.Close()

	cfg := testConfig(backend.URL)
	store := session.NewMemoryStore(session.TTL)
	application, err := app.New(cfg, app.WithSessionStore(store))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- application.Run(ctx)
	}()

	// Give the HTTP server a moment to bind before tearing it down again.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() returned error: %v", err)
	}

	// Shutdown is idempotent.
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() returned error: %v", err)
	}
}

// TestListenAddr confirms the configured address is surfaced for operators
// and tests that need to know where the server is bound.
func TestListenAddr(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer backend.Close()

	cfg := testConfig(backend.URL)
	cfg.ListenAddr = ":9999"
	application, err := app.New(cfg, app.WithSessionStore(session.NewMemoryStore(session.TTL)))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if got := application.ListenAddr(); got != ":9999" {
		t.Errorf("ListenAddr() = %q, want %q", got, ":9999")
	}
}
