package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/veyra-ai/gateway/internal/classifier"
	"github.com/veyra-ai/gateway/internal/registry"
	"github.com/veyra-ai/gateway/internal/session"
)

func testRegistry() *registry.Registry {
	agent := &registry.Backend{Key: "agent-primary", ModelID: "agent-v1", UseCase: classifier.UseCaseAgent}
	stt := &registry.Backend{Key: "stt-primary", ModelID: "stt-v1", UseCase: classifier.UseCaseSTT}
	return registry.New([]*registry.Backend{agent, stt})
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("sess-%d", n)
	}
}

func TestRouter_NewSessionClassifiesAndBinds(t *testing.T) {
	store := session.NewMemoryStore(session.TTL)
	r := New(store, testRegistry(), sequentialIDs())

	routed, err := r.Route(context.Background(), Request{
		Query:    "act as my personal assistant and manage my calendar",
		Modality: classifier.ModalityText,
	})
	if err != nil {
		t.Fatal(err)
	}
	if routed.BypassUsed {
		t.Error("first request must not be a bypass")
	}
	if !routed.NewSession {
		t.Error("expected NewSession true")
	}
	if routed.Backend == nil || routed.Backend.Key != "agent-primary" {
		t.Errorf("unexpected backend: %+v", routed.Backend)
	}
}

func TestRouter_SameSessionSameContextBypasses(t *testing.T) {
	store := session.NewMemoryStore(session.TTL)
	r := New(store, testRegistry(), sequentialIDs())
	ctx := context.Background()

	first, err := r.Route(ctx, Request{Query: "act as my assistant", Modality: classifier.ModalityText})
	if err != nil {
		t.Fatal(err)
	}

	second, err := r.Route(ctx, Request{SessionID: first.SessionID, Query: "act as my assistant", Modality: classifier.ModalityText})
	if err != nil {
		t.Fatal(err)
	}
	if !second.BypassUsed {
		t.Error("expected second identical-context request to bypass classification")
	}
	if second.Backend.Key != first.Backend.Key {
		t.Error("bypass should reuse the same backend")
	}
}

func TestRouter_ContextChangeForcesReclassification(t *testing.T) {
	store := session.NewMemoryStore(session.TTL)
	r := New(store, testRegistry(), sequentialIDs())
	ctx := context.Background()

	first, err := r.Route(ctx, Request{Query: "act as my assistant and help me plan", Modality: classifier.ModalityText})
	if err != nil {
		t.Fatal(err)
	}

	second, err := r.Route(ctx, Request{SessionID: first.SessionID, Query: "transcribe this audio clip for me please", Modality: classifier.ModalityAudio})
	if err != nil {
		t.Fatal(err)
	}
	if second.BypassUsed {
		t.Error("expected changed context to force reclassification")
	}
	if !second.ContextChanged {
		t.Error("expected ContextChanged true")
	}
}

func TestRouter_UnknownSessionIDStartsFresh(t *testing.T) {
	store := session.NewMemoryStore(session.TTL)
	r := New(store, testRegistry(), sequentialIDs())

	routed, err := r.Route(context.Background(), Request{SessionID: "does-not-exist", Query: "act as my assistant", Modality: classifier.ModalityText})
	if err != nil {
		t.Fatal(err)
	}
	if routed.SessionID != "does-not-exist" {
		t.Errorf("expected router to reuse the client-supplied session id, got %q", routed.SessionID)
	}
	if !routed.NewSession {
		t.Error("expected NewSession true for a previously unknown id")
	}
}

func TestRouter_NoHealthyBackendErrors(t *testing.T) {
	store := session.NewMemoryStore(session.TTL)
	r := New(store, registry.New(nil), sequentialIDs())

	_, err := r.Route(context.Background(), Request{Query: "act as my assistant", Modality: classifier.ModalityText})
	if err == nil {
		t.Fatal("expected an error when no backend is registered for the use case")
	}
}
