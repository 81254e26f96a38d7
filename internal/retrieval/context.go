package retrieval

import (
	"sort"
	"strings"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/config"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/vectorstore"
)

// candidate pairs one search hit with its decision score.
type candidate struct {
	res        vectorstore.SearchResult
	similarity float64
}

// adaptiveGap keeps only chunks within this distance of the 90th-percentile
// similarity, so a single strong hit is not diluted by marginal ones.
const adaptiveGap = 0.03

func chunkType(res vectorstore.SearchResult) string {
	if t, ok := res.Metadata["chunk_type"].(string); ok && t != "" {
		return t
	}
	return "text"
}

func chunkSource(res vectorstore.SearchResult) string {
	if s, ok := res.Metadata["source"].(string); ok {
		return s
	}
	return ""
}

func excludedFromLLM(res vectorstore.SearchResult, excluded []string) bool {
	t := chunkType(res)
	for _, e := range excluded {
		if t == e {
			return true
		}
	}
	return false
}

// assembleContext selects the chunks that enter the prompt: excluded chunk
// types are filtered, survivors are sorted closest-first, capped per
// document, diversified with MMR, floored on length and greedily packed
// under the chunk and character budgets.
func assembleContext(cands []candidate, cfg config.HybridConfig, si ScoreInterpreter) []candidate {
	pool := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if excludedFromLLM(c.res, cfg.ExcludeChunkTypesFromLLM) {
			continue
		}
		pool = append(pool, c)
	}

	sort.SliceStable(pool, func(i, j int) bool {
		return si.Closer(pool[i].similarity, pool[j].similarity)
	})

	pool = adaptiveCut(pool, si)
	pool = capPerDoc(pool, cfg)
	pool = mmrOrder(pool, cfg.MMRLambda, si)

	minChars := cfg.MinTokensPerChunk
	maxChunks := cfg.MaxChunks
	if maxChunks <= 0 {
		maxChunks = len(pool)
	}

	var selected []candidate
	total := 0
	for _, c := range pool {
		if minChars > 0 && len(c.res.Text) < minChars {
			continue
		}
		if len(selected) >= maxChunks {
			break
		}
		if cfg.MaxContextChars > 0 && total+len(c.res.Text) > cfg.MaxContextChars && len(selected) > 0 {
			break
		}
		selected = append(selected, c)
		total += len(c.res.Text)
	}
	return selected
}

// adaptiveCut trims candidates far below the 90th-percentile similarity.
// Raw cosine scores are distances, not similarities, so the cut only applies
// when higher means closer.
func adaptiveCut(pool []candidate, si ScoreInterpreter) []candidate {
	if len(pool) < 4 || si.rawDistance() {
		return pool
	}
	// pool is sorted closest-first
	p90 := pool[len(pool)/10].similarity
	floor := p90 - adaptiveGap

	kept := pool[:0:len(pool)]
	for _, c := range pool {
		if c.similarity >= floor {
			kept = append(kept, c)
		}
	}
	return kept
}

// capPerDoc keeps at most per_doc_cap chunks per dedupe key, preserving
// order.
func capPerDoc(pool []candidate, cfg config.HybridConfig) []candidate {
	limit := cfg.PerDocCap
	if limit <= 0 {
		limit = 1
	}

	counts := make(map[string]int, len(pool))
	kept := make([]candidate, 0, len(pool))
	for _, c := range pool {
		key := c.res.DocID
		if cfg.DedupeBy == "chunk_id" {
			key = c.res.ChunkID
		}
		if counts[key] >= limit {
			continue
		}
		counts[key]++
		kept = append(kept, c)
	}
	return kept
}

// mmrOrder re-ranks candidates with maximal marginal relevance, trading
// relevance against lexical overlap with already-selected chunks. Chunk
// embeddings are not carried through search results, so overlap is measured
// on token sets.
func mmrOrder(pool []candidate, lambda float64, si ScoreInterpreter) []candidate {
	if lambda <= 0 || lambda >= 1 || len(pool) < 3 {
		return pool
	}

	rel := func(c candidate) float64 {
		if si.rawDistance() {
			return -c.similarity
		}
		return c.similarity
	}

	tokens := make([]map[string]bool, len(pool))
	for i, c := range pool {
		tokens[i] = tokenSet(c.res.Text)
	}

	remaining := make([]int, len(pool))
	for i := range pool {
		remaining[i] = i
	}

	ordered := make([]candidate, 0, len(pool))
	var chosen []int
	for len(remaining) > 0 {
		bestIdx := -1
		bestScore := 0.0
		for pos, i := range remaining {
			penalty := 0.0
			for _, j := range chosen {
				if ov := jaccard(tokens[i], tokens[j]); ov > penalty {
					penalty = ov
				}
			}
			score := lambda*rel(pool[i]) - (1-lambda)*penalty
			if bestIdx == -1 || score > bestScore {
				bestIdx = pos
				bestScore = score
			}
		}
		i := remaining[bestIdx]
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
		chosen = append(chosen, i)
		ordered = append(ordered, pool[i])
	}
	return ordered
}

// truncate cuts on rune boundaries so previews never split a multi-byte
// character.
func truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(text)) {
		set[t] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for t := range small {
		if large[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
