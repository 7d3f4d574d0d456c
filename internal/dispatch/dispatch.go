// Package dispatch sends a routed request to its resolved backend over
// HTTP, applying the per-backend concurrency cap, retry/backoff, deadline
// enforcement, and health-gated fallback described in spec.md §4.6.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"
	"golang.org/x/sync/semaphore"

	"github.com/veyra-ai/gateway/internal/gwerr"
	"github.com/veyra-ai/gateway/internal/registry"
	"github.com/veyra-ai/gateway/internal/resilience"
	"github.com/veyra-ai/gateway/internal/router"
)

// Request is the caller-supplied payload to forward to a backend.
type Request struct {
	Query       string
	SystemHint  string
	Temperature float64
	MaxTokens   int
}

// Response is the normalized result of a successful dispatch.
type Response struct {
	BackendKey string
	ModelID    string
	Content    string
	Raw        json.RawMessage
	Latency    time.Duration
	Retries    int
}

// backendBody is the wire shape posted to every backend. Backends expose an
// OpenAI-compatible chat-completions surface (spec.md §3's "opaque
// external inference endpoint" is opaque only in location, not protocol).
type backendBody struct {
	Model       string                                    `json:"model"`
	Messages    []openai.ChatCompletionMessageParamUnion `json:"messages"`
	Temperature float64                                   `json:"temperature,omitempty"`
	MaxTokens   int                                       `json:"max_tokens,omitempty"`
}

type backendReply struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// admission caps the number of concurrent in-flight requests to one backend
// so a single slow backend cannot exhaust the gateway's own connection pool
// (spec.md §5 resource model). The cap is a true concurrency semaphore, not
// a rate limiter: a slot is held for the duration of a dispatch and
// returned on completion, with no refill over time.
type admission struct {
	mu       sync.Mutex
	sems     map[string]*semaphore.Weighted
	breakers map[string]*resilience.CircuitBreaker
}

func newAdmission() *admission {
	return &admission{
		sems:     make(map[string]*semaphore.Weighted),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

func (a *admission) semaphoreFor(key string, perBackendConcurrency int) *semaphore.Weighted {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sems[key]
	if !ok {
		s = semaphore.NewWeighted(int64(perBackendConcurrency))
		a.sems[key] = s
	}
	return s
}

func (a *admission) breakerFor(key string) *resilience.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.breakers[key]
	if !ok {
		b = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{BackendKey: key})
		a.breakers[key] = b
	}
	return b
}

// Dispatcher forwards routed requests to backends.
type Dispatcher struct {
	client     *http.Client
	registry   *registry.Registry
	admission  *admission
	maxRetries int
	perBackend int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxRetries overrides the default retry budget (default 2).
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) { d.maxRetries = n }
}

// WithPerBackendConcurrency overrides the default admission cap (default 8).
func WithPerBackendConcurrency(n int) Option {
	return func(d *Dispatcher) { d.perBackend = n }
}

// New creates a Dispatcher over reg using client for outbound calls.
func New(reg *registry.Registry, client *http.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:     client,
		registry:   reg,
		admission:  newAdmission(),
		maxRetries: 2,
		perBackend: 8,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends req to routed.Backend, retrying with backoff on transient
// failure and falling over to the registry's configured fallback if the
// primary is exhausted (spec.md §4.6).
func (d *Dispatcher) Dispatch(ctx context.Context, routed router.Routed, req Request) (Response, error) {
	resp, err := d.dispatchOne(ctx, routed.Backend, req)
	if err == nil {
		return resp, nil
	}

	fb := d.registry.Fallback(routed.UseCase, routed.Backend)
	if fb == nil || fb.Health() == registry.HealthUnhealthy {
		return Response{}, err
	}

	slog.Warn("dispatch falling back to secondary backend",
		"use_case", routed.UseCase, "primary", routed.Backend.Key, "fallback", fb.Key, "err", err)
	return d.dispatchOne(ctx, fb, req)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, b *registry.Backend, req Request) (Response, error) {
	sem := d.admission.semaphoreFor(b.Key, d.perBackend)
	if !sem.TryAcquire(1) {
		return Response{}, gwerr.New(gwerr.KindOverloaded, "backend %q at concurrency cap", b.Key)
	}
	defer sem.Release(1)

	breaker := d.admission.breakerFor(b.Key)

	var resp Response
	var retries int
	callErr := breaker.Execute(func() error {
		r, err := d.callWithRetry(ctx, b, req, &retries)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if callErr != nil {
		return Response{}, classifyDispatchErr(callErr)
	}
	resp.Retries = retries
	return resp, nil
}

// BreakerHealth reports the admission circuit breaker's state for b in the
// registry's healthy/degraded/unhealthy vocabulary (spec.md §6 GET /health).
// A backend with no breaker yet (no dispatch attempted) is healthy.
func (d *Dispatcher) BreakerHealth(key string) string {
	d.admission.mu.Lock()
	b, ok := d.admission.breakers[key]
	d.admission.mu.Unlock()
	if !ok {
		return "healthy"
	}
	return b.Health()
}

func (d *Dispatcher) callWithRetry(ctx context.Context, b *registry.Backend, req Request, retries *int) (Response, error) {
	timeout := time.Duration(b.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	operation := func() (Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return d.call(callCtx, b, req)
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithMaxTries(uint(d.maxRetries+1)),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithNotify(func(err error, dur time.Duration) {
			*retries++
			slog.Debug("retrying backend call", "backend", b.Key, "err", err, "wait", dur)
		}),
	)
	return result, err
}

func (d *Dispatcher) call(ctx context.Context, b *registry.Backend, req Request) (Response, error) {
	start := time.Now()

	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemHint != "" {
		messages = append(messages, openai.SystemMessage(req.SystemHint))
	}
	messages = append(messages, openai.UserMessage(req.Query))

	body := backendBody{
		Model:       b.ModelID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return Response{}, gwerr.Wrap(gwerr.KindInternal, err, "encode backend request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+"/v1/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return Response{}, gwerr.Wrap(gwerr.KindInternal, err, "build backend request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, gwerr.Wrap(gwerr.KindTimeout, err, "backend %q deadline exceeded", b.Key)
		}
		return Response{}, gwerr.Wrap(gwerr.KindBackendError, err, "backend %q unreachable", b.Key)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, gwerr.Wrap(gwerr.KindBackendError, err, "read backend %q response", b.Key)
	}

	if httpResp.StatusCode >= 500 {
		return Response{}, gwerr.New(gwerr.KindBackendError, "backend %q returned %d: %s", b.Key, httpResp.StatusCode, raw)
	}
	if httpResp.StatusCode >= 400 {
		// Client-side errors are not retried: return them directly to the
		// caller instead of exhausting the retry budget.
		return Response{}, backoff.Permanent(gwerr.New(gwerr.KindBackendError, "backend %q returned %d: %s", b.Key, httpResp.StatusCode, raw))
	}

	var reply backendReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Response{}, backoff.Permanent(gwerr.Wrap(gwerr.KindBackendError, err, "decode backend %q response", b.Key))
	}

	content := ""
	if len(reply.Choices) > 0 {
		content = reply.Choices[0].Message.Content
	}

	return Response{
		BackendKey: b.Key,
		ModelID:    b.ModelID,
		Content:    content,
		Raw:        raw,
		Latency:    time.Since(start),
	}, nil
}

func classifyDispatchErr(err error) error {
	if gwerr.Is(err, gwerr.KindTimeout) || gwerr.Is(err, gwerr.KindBackendError) || gwerr.Is(err, gwerr.KindInternal) {
		return err
	}
	if err == resilience.ErrCircuitOpen {
		return gwerr.Wrap(gwerr.KindNoHealthyBackend, err, "backend circuit open")
	}
	return gwerr.Wrap(gwerr.KindBackendError, err, "dispatch failed")
}
