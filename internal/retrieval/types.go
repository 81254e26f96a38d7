// Package retrieval implements the answer pipeline: vector search through the
// active alias, score normalisation, mode decision, context assembly and LLM
// prompting with a general-knowledge fallback.
package retrieval

// Answer modes.
const (
	ModeRAG      = "rag"
	ModeHybrid   = "hybrid"
	ModeFallback = "fallback"
)

// Fallback reasons surfaced in decision_explain.
const (
	ReasonBelowThresholdLow  = "below_threshold_low"
	ReasonBelowThresholdHigh = "below_threshold_high"
	ReasonGateMinSimilarity  = "gate_failed_min_similarity"
	ReasonGateMinChunks      = "gate_failed_min_chunks"
	ReasonGateMinContext     = "gate_failed_min_context"
	ReasonLLMEmpty           = "llm_empty"
	ReasonLLMNoContextToken  = "llm_no_context_token"
)

// Sources-used summary values.
const (
	SourcesAll     = "all"
	SourcesPartial = "partial"
	SourcesNone    = "none"
)

const snippetMaxChars = 300

// Response is the wire envelope for one answered question.
type Response struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`

	// Reserved multi-answer slots, always null.
	Answer2 *string `json:"answer2"`
	Answer3 *string `json:"answer3"`

	RetrievedChunksMetadata []ChunkMetadata `json:"retrieved_chunks_metadata"`
	UsedChunks              []UsedChunk     `json:"used_chunks"`
	Mode                    string          `json:"mode"`
	SourcesUsed             string          `json:"sources_used"`
	DecisionExplain         DecisionExplain `json:"decision_explain"`
}

// ChunkMetadata describes one retrieved row, whether or not it entered the
// prompt.
type ChunkMetadata struct {
	ChunkID     string  `json:"chunk_id"`
	DocID       string  `json:"doc_id"`
	Source      string  `json:"source"`
	ChunkType   string  `json:"chunk_type"`
	RawScore    float64 `json:"raw_score"`
	Similarity  float64 `json:"similarity"`
	TextPreview string  `json:"text_preview"`
}

// UsedChunk describes one chunk that entered the prompt.
type UsedChunk struct {
	ChunkID string  `json:"chunk_id"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// DecisionExplain records every input to the mode decision so a response is
// explainable after the fact.
type DecisionExplain struct {
	ScoreMode        string  `json:"score_mode"`
	Distance         string  `json:"distance"`
	MaxSimilarity    float64 `json:"max_similarity"`
	ThresholdLow     float64 `json:"threshold_low"`
	ThresholdHigh    float64 `json:"threshold_high"`
	TopK             int     `json:"top_k"`
	ShortQueryActive bool    `json:"short_query_active"`
	Mode             string  `json:"mode"`
	EffectiveQuery   string  `json:"effective_query"`
	UsedLLM          string  `json:"used_llm"`
	RetrievalTarget  string  `json:"retrieval_target"`
	Reason           string  `json:"reason,omitempty"`
}
