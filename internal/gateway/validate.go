package gateway

import (
	"github.com/veyra-ai/gateway/internal/gwerr"
)

const (
	// maxBodyBytes bounds the raw request body (spec.md §4.7: "rejecting
	// bodies > 1 MiB").
	maxBodyBytes = 1 << 20

	// maxQueryBytes bounds the query field specifically (spec.md §6: "query
	// ... ≤ 64 KiB").
	maxQueryBytes = 64 * 1024

	// maxContextEntries bounds the context map (spec.md §6: "≤ 64 entries").
	maxContextEntries = 64

	// defaultMaxTokens and defaultTemperature are applied when the caller
	// omits the field (spec.md §6).
	defaultMaxTokens   = 100
	defaultTemperature = 0.7

	minMaxTokens = 1
	maxMaxTokens = 4096

	minTemperature = 0.0
	maxTemperature = 2.0
)

// normalizedRequest is a [routeRequest] after defaulting and validation.
type normalizedRequest struct {
	Query       string
	SessionID   string
	UserID      string
	Modality    string
	Context     map[string]string
	MaxTokens   int
	Temperature float64
}

// validate checks req against spec.md §6's boundary rules and fills in
// defaults, returning a [*gwerr.Error] of [gwerr.KindValidation] on the
// first violation found.
func (req routeRequest) validate() (normalizedRequest, error) {
	if req.Query == "" {
		return normalizedRequest{}, gwerr.New(gwerr.KindValidation, "query is required")
	}
	if len(req.Query) > maxQueryBytes {
		return normalizedRequest{}, gwerr.New(gwerr.KindValidation, "query exceeds %d bytes", maxQueryBytes)
	}
	if len(req.Context) > maxContextEntries {
		return normalizedRequest{}, gwerr.New(gwerr.KindValidation, "context exceeds %d entries", maxContextEntries)
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
		if maxTokens < minMaxTokens || maxTokens > maxMaxTokens {
			return normalizedRequest{}, gwerr.New(gwerr.KindValidation, "max_tokens must be in [%d, %d]", minMaxTokens, maxMaxTokens)
		}
	}

	temperature := defaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
		if temperature < minTemperature || temperature > maxTemperature {
			return normalizedRequest{}, gwerr.New(gwerr.KindValidation, "temperature must be in [%.1f, %.1f]", minTemperature, maxTemperature)
		}
	}

	return normalizedRequest{
		Query:       req.Query,
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		Modality:    req.Modality,
		Context:     req.Context,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}, nil
}
