package gateway

// routeRequest is the body of POST /route (spec.md §6). Unrecognized keys
// are ignored by [encoding/json] by default; types are strict (json.Decoder
// never coerces a number into a string or vice versa).
type routeRequest struct {
	Query       string            `json:"query"`
	SessionID   string            `json:"session_id"`
	UserID      string            `json:"user_id"`
	Modality    string            `json:"modality"`
	Context     map[string]string `json:"context"`
	MaxTokens   *int              `json:"max_tokens"`
	Temperature *float64          `json:"temperature"`
}

// routeResponse is the body of a successful POST /route (spec.md §6).
type routeResponse struct {
	Success       bool    `json:"success"`
	Result        string  `json:"result"`
	UseCase       string  `json:"use_case"`
	SelectedModel string  `json:"selected_model"`
	Endpoint      string  `json:"endpoint"`
	Confidence    float64 `json:"confidence"`
	RoutingTime   float64 `json:"routing_time"`
	BypassUsed    bool    `json:"bypass_used"`
	SessionID     string  `json:"session_id"`
	NewSession    bool    `json:"new_session"`
	InferenceTime float64 `json:"inference_time"`
	TotalTime     float64 `json:"total_time"`
}

// errorResponse is the body of a failed request (spec.md §6): whichever
// timing/metadata fields were available before the failure are included
// alongside success=false.
type errorResponse struct {
	Success       bool    `json:"success"`
	ErrorMessage  string  `json:"error_message"`
	UseCase       string  `json:"use_case,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
	RoutingTime   float64 `json:"routing_time,omitempty"`
	TotalTime     float64 `json:"total_time,omitempty"`
}

// sessionResponse is the body of GET /sessions/{id} (spec.md §6: all
// SessionBinding fields except the internal context hash).
type sessionResponse struct {
	SessionID      string  `json:"session_id"`
	UseCase        string  `json:"use_case"`
	BackendKey     string  `json:"backend_key"`
	ModelID        string  `json:"model_id"`
	Confidence     float64 `json:"confidence"`
	RequestCount   int     `json:"request_count"`
	CreatedAt      string  `json:"created_at"`
	LastAccessedAt string  `json:"last_accessed_at"`
	BypassEnabled  bool    `json:"bypass_enabled"`
}

// cleanupResponse is the body of POST /cleanup.
type cleanupResponse struct {
	Success      bool `json:"success"`
	RemovedCount int  `json:"removed_count"`
}

// useCaseEntry is one element of the GET /use-cases response.
type useCaseEntry struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Endpoint    string `json:"endpoint"`
}

// backendHealth is one value of the GET /health response's "backends" map.
// Status and BreakerStatus are tracked independently (spec.md §4.5 vs
// §4.6): Status comes from the registry's active health probes, while
// BreakerStatus reflects the dispatch admission circuit breaker's recent
// call outcomes for the same backend.
type backendHealth struct {
	Status        string `json:"status"`
	BreakerStatus string `json:"breaker_status"`
	Endpoint      string `json:"endpoint"`
	LastLatencyMS int64  `json:"last_latency_ms"`
}

// healthResponse is the body of GET /health (spec.md §6).
type healthResponse struct {
	Status       string                   `json:"status"`
	Timestamp    string                   `json:"timestamp"`
	SessionStore string                   `json:"session_store"`
	Backends     map[string]backendHealth `json:"backends"`
}
