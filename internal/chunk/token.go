package chunk

import (
	"math"
	"strings"
)

// SplitTokens splits text into whitespace-token windows of maxTokens with a
// fractional overlap clamped to [0, 0.5]. The step between windows is
// round(maxTokens * (1 - overlap)), never below 1. Chunks are trimmed and
// empties dropped.
func SplitTokens(text string, maxTokens int, overlap float64) []string {
	if maxTokens <= 0 {
		return nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}

	if overlap < 0 {
		overlap = 0
	}
	if overlap > 0.5 {
		overlap = 0.5
	}

	step := int(math.Round(float64(maxTokens) * (1.0 - overlap)))
	if step <= 0 {
		step = 1
	}

	var chunks []string
	n := len(tokens)
	for i := 0; i < n; i += step {
		end := i + maxTokens
		if end > n {
			end = n
		}
		piece := strings.TrimSpace(strings.Join(tokens[i:end], " "))
		if piece != "" {
			chunks = append(chunks, piece)
		}
		if i+maxTokens >= n {
			break
		}
	}
	return chunks
}
