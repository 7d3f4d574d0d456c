// Package classifier maps a natural-language request to one of a fixed set
// of use cases. It is pure and synchronous — it never calls a network
// service and must complete in well under a millisecond for realistic
// inputs, far inside the 10ms p99 budget spec.md §4.1 allows.
package classifier

import (
	"fmt"
	"sort"
	"strings"
)

// UseCase is one of the fixed categories a request can be routed to.
// The set is closed; adding a member is a code change (spec.md §3).
type UseCase string

const (
	UseCaseAgent      UseCase = "agent"
	UseCaseAvatar     UseCase = "avatar"
	UseCaseSTT        UseCase = "stt"
	UseCaseTTS        UseCase = "tts"
	UseCaseMultimodal UseCase = "multimodal"
	UseCaseVideo      UseCase = "video"
)

// AllUseCases lists every known [UseCase] in a stable order, used by the
// /use-cases endpoint and by test fixtures.
var AllUseCases = []UseCase{
	UseCaseAgent,
	UseCaseAvatar,
	UseCaseMultimodal,
	UseCaseSTT,
	UseCaseTTS,
	UseCaseVideo,
}

// Meta is the static metadata attached to a [UseCase].
type Meta struct {
	Description      string
	DefaultBackend   string
	DefaultModel     string
	ModalityAffinity map[Modality]bool
}

// Modality is a hint about the caller's input type. It is supplied by the
// caller and is never trusted as ground truth (spec.md §3).
type Modality string

const (
	ModalityText    Modality = "text"
	ModalityImage   Modality = "image"
	ModalityAudio   Modality = "audio"
	ModalityVideo   Modality = "video"
	ModalityUnknown Modality = "unknown"
)

// ParseModality normalizes a caller-supplied modality string, defaulting to
// [ModalityText] when unset (spec.md §6: modality defaults to "text"). An
// explicit value outside the closed [Modality] enum is rejected rather than
// silently coerced (spec.md §6: "types strict").
func ParseModality(s string) (Modality, error) {
	switch Modality(strings.ToLower(strings.TrimSpace(s))) {
	case ModalityImage:
		return ModalityImage, nil
	case ModalityAudio:
		return ModalityAudio, nil
	case ModalityVideo:
		return ModalityVideo, nil
	case ModalityUnknown:
		return ModalityUnknown, nil
	case "", ModalityText:
		return ModalityText, nil
	default:
		return "", fmt.Errorf("unrecognized modality %q", s)
	}
}

// defaultThreshold is the minimum summed signal score below which the
// classifier falls back to [UseCaseAgent] (spec.md §4.1).
const defaultThreshold = 0.2

// modalityBoost is the fixed score added to a use case's tally when the
// caller's modality hint lies in that use case's affinity set (spec.md
// §4.1 stage 2).
const modalityBoost = 0.5

// signal is one keyword-pattern vote toward a use case.
type signal struct {
	useCase UseCase
	pattern string
	weight  float64
}

// signals is the static keyword-signal table (spec.md §4.1, indicative
// examples reproduced verbatim plus enough breadth to make the classifier
// useful beyond the spec's worked examples).
var signals = []signal{
	// avatar
	{UseCaseAvatar, "avatar", 1.0},
	{UseCaseAvatar, "lip sync", 1.2},
	{UseCaseAvatar, "talking head", 1.2},
	{UseCaseAvatar, "face", 0.6},

	// stt
	{UseCaseSTT, "transcribe", 1.2},
	{UseCaseSTT, "speech to text", 1.2},
	{UseCaseSTT, "audio", 0.7},
	{UseCaseSTT, "voice", 0.5},
	{UseCaseSTT, "recording", 0.8},

	// tts
	{UseCaseTTS, "text to speech", 1.2},
	{UseCaseTTS, "synthesize", 0.9},
	{UseCaseTTS, "speak", 0.8},
	{UseCaseTTS, "voice", 0.4},

	// agent
	{UseCaseAgent, "code", 0.9},
	{UseCaseAgent, "function", 0.8},
	{UseCaseAgent, "write", 0.6},
	{UseCaseAgent, "generate", 0.5},
	{UseCaseAgent, "reason", 0.7},
	{UseCaseAgent, "analy", 0.7}, // matches "analyze"/"analysis"

	// multimodal
	{UseCaseMultimodal, "image", 1.0},
	{UseCaseMultimodal, "picture", 0.9},
	{UseCaseMultimodal, "see", 0.5},
	{UseCaseMultimodal, "visual", 0.8},
	{UseCaseMultimodal, "diagram", 0.9},

	// video
	{UseCaseVideo, "video", 1.1},
	{UseCaseVideo, "clip", 0.8},
	{UseCaseVideo, "frame", 0.6},
	{UseCaseVideo, "scene", 0.6},
}

// UseCaseMetadata holds the static description/default-backend/default-model
// triple for every known use case (spec.md §3). The Backend Registry may
// override the backend/model choice at startup; this map is only the
// fallback used when the registry has no explicit mapping and by the
// /use-cases endpoint's human-readable description.
var UseCaseMetadata = map[UseCase]Meta{
	UseCaseAgent: {
		Description:      "general-purpose text generation, code, and reasoning",
		DefaultBackend:   "agent-primary",
		DefaultModel:     "agent-default",
		ModalityAffinity: map[Modality]bool{ModalityText: true},
	},
	UseCaseAvatar: {
		Description:      "talking-head / lip-synced avatar rendering",
		DefaultBackend:   "vision-language-primary",
		DefaultModel:     "vision-language-default",
		ModalityAffinity: map[Modality]bool{ModalityImage: true, ModalityVideo: true},
	},
	UseCaseMultimodal: {
		Description:      "image- and diagram-aware chat",
		DefaultBackend:   "vision-language-primary",
		DefaultModel:     "vision-language-default",
		ModalityAffinity: map[Modality]bool{ModalityImage: true},
	},
	UseCaseSTT: {
		Description:      "speech-to-text transcription",
		DefaultBackend:   "stt-primary",
		DefaultModel:     "stt-default",
		ModalityAffinity: map[Modality]bool{ModalityAudio: true},
	},
	UseCaseTTS: {
		Description:      "text-to-speech synthesis",
		DefaultBackend:   "tts-primary",
		DefaultModel:     "tts-default",
		ModalityAffinity: map[Modality]bool{ModalityText: true},
	},
	UseCaseVideo: {
		Description:      "video generation and scene understanding",
		DefaultBackend:   "vision-language-primary",
		DefaultModel:     "vision-language-default",
		ModalityAffinity: map[Modality]bool{ModalityVideo: true},
	},
}

// modalityAffinity maps a [Modality] to the use cases it biases toward.
var modalityAffinity = map[Modality][]UseCase{
	ModalityImage: {UseCaseMultimodal, UseCaseAvatar},
	ModalityAudio: {UseCaseSTT},
	ModalityVideo: {UseCaseVideo, UseCaseAvatar},
}

// Result is the outcome of [Classify]. It is a pure value; it is never
// persisted (spec.md §3).
type Result struct {
	UseCase        UseCase
	Confidence     float64
	MatchedSignals []string
}

// Classify scores query against the static signal table, applies the
// modality tiebreak, and returns the highest-scoring use case. The
// classifier never fails: an empty or signal-free query yields
// [UseCaseAgent] with confidence 0 (spec.md §4.1 edge cases).
func Classify(query string, modality Modality) Result {
	lower := strings.ToLower(query)

	scores := make(map[UseCase]float64, len(AllUseCases))
	matched := make(map[UseCase][]string, len(AllUseCases))

	for _, sig := range signals {
		if strings.Contains(lower, sig.pattern) {
			scores[sig.useCase] += sig.weight
			matched[sig.useCase] = append(matched[sig.useCase], sig.pattern)
		}
	}

	// tts's "absence of transcribe" rule (spec.md §4.1): when the query
	// contains "transcribe", the whole tts score and its matched signals are
	// dropped, whichever tokens contributed them.
	if strings.Contains(lower, "transcribe") {
		delete(scores, UseCaseTTS)
		delete(matched, UseCaseTTS)
	}

	for _, uc := range modalityAffinity[modality] {
		if _, ok := scores[uc]; ok {
			scores[uc] += modalityBoost
		}
	}

	total := 0.0
	for _, s := range scores {
		total += s
	}

	if total < defaultThreshold {
		// total is itself below defaultThreshold here, so using it directly
		// as the confidence keeps the sub-threshold default-to-agent result
		// at or below the same threshold, rather than the near-1.0 that
		// total/(total+epsilon) would give for any nonzero total.
		return Result{UseCase: UseCaseAgent, Confidence: clamp(total)}
	}

	winner, winnerScore := pickWinner(scores)
	conf := clamp(winnerScore / (total + epsilon))
	sigs := matched[winner]
	sort.Strings(sigs)
	return Result{UseCase: winner, Confidence: conf, MatchedSignals: sigs}
}

// epsilon avoids division by zero while keeping confidence close to the raw
// ratio for any nonzero total (spec.md §4.1).
const epsilon = 1e-6

// pickWinner returns the highest-scoring use case. Ties are broken
// lexicographically by use-case name for determinism (spec.md §4.1 edge
// cases).
func pickWinner(scores map[UseCase]float64) (UseCase, float64) {
	if len(scores) == 0 {
		return UseCaseAgent, 0
	}
	candidates := make([]UseCase, 0, len(scores))
	for uc := range scores {
		candidates = append(candidates, uc)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	best := candidates[0]
	bestScore := scores[best]
	for _, uc := range candidates[1:] {
		if scores[uc] > bestScore {
			best = uc
			bestScore = scores[uc]
		}
	}
	return best, bestScore
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
