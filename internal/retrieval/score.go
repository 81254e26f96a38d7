package retrieval

import (
	"strings"
	"unicode"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/config"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/vectorstore"
)

// ScoreInterpreter owns all score interpretation for one (score_mode,
// distance) pair. Decision logic never does distance-specific math itself.
type ScoreInterpreter struct {
	Mode     string
	Distance string
}

// Similarity converts a store-native raw score into the decision score. In
// normalized mode the result lands in [0,1] with higher meaning closer; in
// raw mode the native value passes through untouched.
func (si ScoreInterpreter) Similarity(raw float64) float64 {
	if si.Mode == "raw" {
		return raw
	}
	switch si.Distance {
	case vectorstore.DistanceCosine:
		return clamp01(1 - raw)
	default:
		// Inner product in [-1,1] for unit vectors.
		return (raw + 1) / 2
	}
}

// Closer reports whether score a beats score b. Only raw cosine inverts the
// direction, because there the score is still a distance.
func (si ScoreInterpreter) Closer(a, b float64) bool {
	if si.rawDistance() {
		return a < b
	}
	return a > b
}

// Meets reports whether a score clears a threshold in the closer direction.
func (si ScoreInterpreter) Meets(score, threshold float64) bool {
	if si.rawDistance() {
		return score <= threshold
	}
	return score >= threshold
}

// Best returns the closest score, or 0 when there are none.
func (si ScoreInterpreter) Best(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	best := scores[0]
	for _, s := range scores[1:] {
		if si.Closer(s, best) {
			best = s
		}
	}
	return best
}

func (si ScoreInterpreter) rawDistance() bool {
	return si.Mode == "raw" && si.Distance == vectorstore.DistanceCosine
}

// Thresholds picks the threshold pair for a query. Raw mode reads the
// per-metric raw thresholds; short queries override the pair in every mode.
func (si ScoreInterpreter) Thresholds(cfg config.RetrievalConfig, shortQuery bool) (low, high float64) {
	if shortQuery {
		return cfg.ShortQuery.ThresholdLow, cfg.ShortQuery.ThresholdHigh
	}
	if si.Mode == "raw" {
		rt := cfg.RawThresholds[si.Distance]
		return rt.Low, rt.High
	}
	return cfg.ThresholdLow, cfg.ThresholdHigh
}

// Decide maps the best score onto a mode. For raw cosine the Low bound is
// the tight one: rag when the best distance is at most Low.
func (si ScoreInterpreter) Decide(best, low, high float64) string {
	if si.rawDistance() {
		switch {
		case best <= low:
			return ModeRAG
		case best <= high:
			return ModeHybrid
		default:
			return ModeFallback
		}
	}
	switch {
	case best >= high:
		return ModeRAG
	case best >= low:
		return ModeHybrid
	default:
		return ModeFallback
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// shortQueryActive reports whether a question is short enough to trigger the
// tightened thresholds: lowercase, strip punctuation and digits, then count
// the remaining alphabetic tokens.
func shortQueryActive(question string, maxTokens int) bool {
	if maxTokens <= 0 {
		return false
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, question)

	tokens := strings.Fields(cleaned)
	return len(tokens) > 0 && len(tokens) <= maxTokens
}
