// Package stats implements the Stats Collector (spec.md §4.7): process-wide
// counters and exponentially-weighted moving averages of per-phase latency,
// exposed via the /stats endpoint.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/veyra-ai/gateway/internal/classifier"
)

// emaAlpha is the smoothing factor for the moving averages (spec.md §4.7:
// alpha = 0.1).
const emaAlpha = 0.1

// ewma is a simple exponentially-weighted moving average, guarded by its own
// mutex since updates happen off the hot path's lock-free counters.
type ewma struct {
	mu      sync.Mutex
	value   float64
	primed  bool
}

func (e *ewma) observe(sample time.Duration) {
	ms := float64(sample.Microseconds()) / 1000.0
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.primed {
		e.value = ms
		e.primed = true
		return
	}
	e.value = emaAlpha*ms + (1-emaAlpha)*e.value
}

func (e *ewma) get() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// Collector accumulates routing counters and latency averages. The scalar
// counters are lock-free atomics; the per-use-case counts and the four EWMAs
// each take a (tiny, uncontended) lock.
type Collector struct {
	totalRequests       atomic.Int64
	bypassCount         atomic.Int64
	errorCount          atomic.Int64
	fullRoutingRequests atomic.Int64
	sessionCreations    atomic.Int64
	contextChanges      atomic.Int64

	useCaseMu    sync.Mutex
	useCaseCount map[classifier.UseCase]int64

	routingTime   ewma
	bypassTime    ewma
	inferenceTime ewma
	totalTime     ewma
}

// New creates an empty Collector.
func New() *Collector {
	return &Collector{useCaseCount: make(map[classifier.UseCase]int64)}
}

// RecordRoute records a fully-classified (non-bypass) request.
func (c *Collector) RecordRoute(uc classifier.UseCase, routingTime, totalTime time.Duration) {
	c.totalRequests.Add(1)
	c.fullRoutingRequests.Add(1)
	c.routingTime.observe(routingTime)
	c.totalTime.observe(totalTime)

	c.useCaseMu.Lock()
	c.useCaseCount[uc]++
	c.useCaseMu.Unlock()
}

// RecordSessionCreation increments the session-creation counter (spec.md
// §4.8: incremented whenever a request creates a new session binding,
// whether its session id was minted or supplied by the client).
func (c *Collector) RecordSessionCreation() {
	c.sessionCreations.Add(1)
}

// RecordContextChange increments the context-change counter (spec.md §4.8:
// incremented whenever a follow-up request on an existing session arrives
// with a changed context hash and is re-routed).
func (c *Collector) RecordContextChange() {
	c.contextChanges.Add(1)
}

// RecordBypass records a bypass-routed request.
func (c *Collector) RecordBypass(uc classifier.UseCase, bypassTime, totalTime time.Duration) {
	c.totalRequests.Add(1)
	c.bypassCount.Add(1)
	c.bypassTime.observe(bypassTime)
	c.totalTime.observe(totalTime)

	c.useCaseMu.Lock()
	c.useCaseCount[uc]++
	c.useCaseMu.Unlock()
}

// RecordInference records a completed backend call's latency.
func (c *Collector) RecordInference(d time.Duration) {
	c.inferenceTime.observe(d)
}

// RecordError increments the error counter.
func (c *Collector) RecordError() {
	c.errorCount.Add(1)
}

// Snapshot is a point-in-time, read-only copy of the collector's state
// (spec.md §6 GET /stats response body).
type Snapshot struct {
	TotalRequests       int64                        `json:"total_requests"`
	BypassCount         int64                        `json:"bypass_count"`
	ErrorCount          int64                        `json:"error_count"`
	FullRoutingRequests int64                        `json:"full_routing_requests"`
	SessionCreations    int64                        `json:"session_creations"`
	ContextChanges      int64                        `json:"context_changes"`
	BypassRate          float64                      `json:"bypass_rate"`
	UseCaseCounts       map[classifier.UseCase]int64 `json:"use_case_counts"`
	AvgRoutingTimeMS    float64                      `json:"avg_routing_time_ms"`
	AvgBypassTimeMS     float64                      `json:"avg_bypass_time_ms"`
	AvgInferenceTimeMS  float64                      `json:"avg_inference_time_ms"`
	AvgTotalTimeMS      float64                      `json:"avg_total_time_ms"`
}

// Snapshot returns a consistent-enough snapshot of the collector. Perfect
// cross-field consistency isn't promised — each field is read
// independently — which matches spec.md's "approximate, observational"
// framing of the stats surface.
func (c *Collector) Snapshot() Snapshot {
	total := c.totalRequests.Load()
	bypass := c.bypassCount.Load()

	var rate float64
	if total > 0 {
		rate = float64(bypass) / float64(total)
	}

	c.useCaseMu.Lock()
	counts := make(map[classifier.UseCase]int64, len(c.useCaseCount))
	for uc, n := range c.useCaseCount {
		counts[uc] = n
	}
	c.useCaseMu.Unlock()

	return Snapshot{
		TotalRequests:       total,
		BypassCount:         bypass,
		ErrorCount:          c.errorCount.Load(),
		FullRoutingRequests: c.fullRoutingRequests.Load(),
		SessionCreations:    c.sessionCreations.Load(),
		ContextChanges:      c.contextChanges.Load(),
		BypassRate:          rate,
		UseCaseCounts:       counts,
		AvgRoutingTimeMS:    c.routingTime.get(),
		AvgBypassTimeMS:     c.bypassTime.get(),
		AvgInferenceTimeMS:  c.inferenceTime.get(),
		AvgTotalTimeMS:      c.totalTime.get(),
	}
}
