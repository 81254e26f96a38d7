package ingest

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/embedding"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/vectorstore"
)

// GoldenQuery is one entry in the evaluation set.
type GoldenQuery struct {
	Query          string   `yaml:"query"`
	ExpectedDocIDs []string `yaml:"expected_doc_ids"`
	ExpectedPhrase string   `yaml:"expected_phrase,omitempty"`
}

// LoadGoldenQueries reads the golden-query set from a YAML file.
func LoadGoldenQueries(path string) ([]GoldenQuery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read golden queries: %w", err)
	}

	var doc struct {
		Queries []GoldenQuery `yaml:"queries"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse golden queries: %w", err)
	}

	for i, q := range doc.Queries {
		if q.Query == "" || len(q.ExpectedDocIDs) == 0 {
			return nil, fmt.Errorf("golden query %d: query and expected_doc_ids are required", i+1)
		}
	}
	return doc.Queries, nil
}

// Evaluator runs golden queries against a freshly written physical table,
// before any alias rotation makes the data live.
type Evaluator struct {
	store    vectorstore.Store
	embedder embedding.Embedder
	logger   *observability.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(store vectorstore.Store, embedder embedding.Embedder, logger *observability.Logger) *Evaluator {
	return &Evaluator{store: store, embedder: embedder, logger: logger.WithComponent("eval")}
}

// Run computes hit@k, MRR and phrase-hit rate over the golden set. The
// phrase rate only counts queries that declare an expected phrase.
func (e *Evaluator) Run(ctx context.Context, table string, queries []GoldenQuery, k int, distance string) (EvalMetrics, error) {
	if k <= 0 {
		k = 5
	}

	var hits, phraseHits, phraseTotal int
	var rrSum float64

	for _, q := range queries {
		vec, err := e.embedder.EmbedQuery(ctx, q.Query)
		if err != nil {
			return EvalMetrics{}, fmt.Errorf("embed golden query %q: %w", q.Query, err)
		}
		results, err := e.store.SimilaritySearch(ctx, table, vec, k, distance)
		if err != nil {
			return EvalMetrics{}, fmt.Errorf("search golden query %q: %w", q.Query, err)
		}

		expected := make(map[string]bool, len(q.ExpectedDocIDs))
		for _, id := range q.ExpectedDocIDs {
			expected[id] = true
		}

		hit := false
		for rank, r := range results {
			if expected[r.DocID] {
				if !hit {
					hits++
					rrSum += 1.0 / float64(rank+1)
				}
				hit = true
				break
			}
		}

		if q.ExpectedPhrase != "" {
			phraseTotal++
			needle := strings.ToLower(q.ExpectedPhrase)
			for _, r := range results {
				if strings.Contains(strings.ToLower(r.Text), needle) {
					phraseHits++
					break
				}
			}
		}
	}

	m := EvalMetrics{}
	if len(queries) > 0 {
		m.HitRate = float64(hits) / float64(len(queries))
		m.MRR = rrSum / float64(len(queries))
	}
	if phraseTotal > 0 {
		m.PhraseHitRate = float64(phraseHits) / float64(phraseTotal)
	}

	e.logger.Info().
		Str("table", table).
		Int("queries", len(queries)).
		Float64("hit_rate", m.HitRate).
		Float64("mrr", m.MRR).
		Float64("phrase_hit_rate", m.PhraseHitRate).
		Msgf("[eval] hit_rate=%.3f mrr=%.3f phrase_hit_rate=%.3f", m.HitRate, m.MRR, m.PhraseHitRate)
	return m, nil
}
