package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veyra-ai/gateway/internal/classifier"
	"github.com/veyra-ai/gateway/internal/registry"
	"github.com/veyra-ai/gateway/internal/router"
)

func okServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, content)
	}))
}

func TestDispatcher_SuccessfulCall(t *testing.T) {
	srv := okServer(t, "hello there")
	defer srv.Close()

	backend := &registry.Backend{Key: "primary", BaseURL: srv.URL, ModelID: "m1", UseCase: classifier.UseCaseAgent, TimeoutMS: 1000}
	reg := registry.New([]*registry.Backend{backend})
	d := New(reg, srv.Client())

	resp, err := d.Dispatch(context.Background(), router.Routed{UseCase: classifier.UseCaseAgent, Backend: backend}, Request{Query: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello there" {
		t.Errorf("Content = %q, want %q", resp.Content, "hello there")
	}
}

func TestDispatcher_FallsBackOnPrimaryFailure(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	healthy := okServer(t, "from fallback")
	defer healthy.Close()

	primary := &registry.Backend{Key: "primary", BaseURL: failing.URL, ModelID: "m1", UseCase: classifier.UseCaseAgent, TimeoutMS: 500}
	fallback := &registry.Backend{Key: "fallback", BaseURL: healthy.URL, ModelID: "m2", UseCase: classifier.UseCaseAgent, IsFallback: true, TimeoutMS: 500}
	reg := registry.New([]*registry.Backend{primary, fallback})
	d := New(reg, failing.Client(), WithMaxRetries(0))

	resp, err := d.Dispatch(context.Background(), router.Routed{UseCase: classifier.UseCaseAgent, Backend: primary}, Request{Query: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "from fallback" {
		t.Errorf("Content = %q, want from fallback", resp.Content)
	}
	if resp.BackendKey != "fallback" {
		t.Errorf("BackendKey = %q, want fallback", resp.BackendKey)
	}
}

func TestDispatcher_NoFallbackPropagatesError(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	primary := &registry.Backend{Key: "primary", BaseURL: failing.URL, ModelID: "m1", UseCase: classifier.UseCaseAgent, TimeoutMS: 500}
	reg := registry.New([]*registry.Backend{primary})
	d := New(reg, failing.Client(), WithMaxRetries(0))

	_, err := d.Dispatch(context.Background(), router.Routed{UseCase: classifier.UseCaseAgent, Backend: primary}, Request{Query: "hi"})
	if err == nil {
		t.Fatal("expected an error with no configured fallback")
	}
}

func TestDispatcher_ConcurrencyCapRejects(t *testing.T) {
	var inflight int32
	blocker := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&inflight, 1)
		<-blocker
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()
	release := sync.OnceFunc(func() { close(blocker) })
	defer release()

	backend := &registry.Backend{Key: "primary", BaseURL: srv.URL, ModelID: "m1", UseCase: classifier.UseCaseAgent, TimeoutMS: 5000}
	reg := registry.New([]*registry.Backend{backend})
	d := New(reg, srv.Client(), WithPerBackendConcurrency(1))

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := d.Dispatch(context.Background(), router.Routed{UseCase: classifier.UseCaseAgent, Backend: backend}, Request{Query: "hi"})
			done <- err
		}()
	}

	var results []error
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			results = append(results, err)
			// The rejected call returns at once; unblock the admitted one so
			// it can complete.
			release()
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch results")
		}
	}

	var overloaded int
	for _, err := range results {
		if err != nil {
			overloaded++
		}
	}
	if overloaded == 0 {
		t.Error("expected at least one request to be rejected by the concurrency cap")
	}
}

func TestDispatcher_ConcurrencyCapReleasesAfterCompletion(t *testing.T) {
	srv := okServer(t, "ok")
	defer srv.Close()

	backend := &registry.Backend{Key: "primary", BaseURL: srv.URL, ModelID: "m1", UseCase: classifier.UseCaseAgent, TimeoutMS: 1000}
	reg := registry.New([]*registry.Backend{backend})
	d := New(reg, srv.Client(), WithPerBackendConcurrency(1))

	// Ten sequential calls against a cap of one must all succeed: each
	// dispatch releases its slot on completion before the next acquires it.
	// A rate limiter that never refunds a consumed token would instead trip
	// Overloaded once its burst was exhausted.
	for i := 0; i < 10; i++ {
		_, err := d.Dispatch(context.Background(), router.Routed{UseCase: classifier.UseCaseAgent, Backend: backend}, Request{Query: "hi"})
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
}
