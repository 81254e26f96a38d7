// Package ragengine provides the public Go SDK for the RAG engine HTTP API.
package ragengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// DomainHeader selects a domain-specific index for a chat request.
const DomainHeader = "X-RAG-Domain"

// Client is the public SDK client for the RAG engine.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient creates a new RAG engine client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8086"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx response decoded from the service's error envelope.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Detail     string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rag-engine: %s (%d): %s", e.Code, e.StatusCode, e.Detail)
}

// ChatRequest represents one question.
type ChatRequest struct {
	Question string `json:"question"`
	// Domain selects a domain-specific index; empty means the default.
	Domain string `json:"-"`
}

// ChatResponse is the answer envelope.
type ChatResponse struct {
	Question                string          `json:"question"`
	Answer                  string          `json:"answer"`
	Answer2                 *string         `json:"answer2"`
	Answer3                 *string         `json:"answer3"`
	RetrievedChunksMetadata []ChunkMetadata `json:"retrieved_chunks_metadata"`
	UsedChunks              []UsedChunk     `json:"used_chunks"`
	Mode                    string          `json:"mode"`
	SourcesUsed             string          `json:"sources_used"`
	DecisionExplain         DecisionExplain `json:"decision_explain"`
}

// ChunkMetadata describes one retrieved chunk.
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

// DecisionExplain records the inputs to the answer-mode decision.
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

// Chat asks a question and returns the full answer envelope.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Domain != "" {
		httpReq.Header.Set(DomainHeader, req.Domain)
	}

	var resp ChatResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Upload describes a staged document.
type Upload struct {
	UploadID       string    `json:"upload_id"`
	Filename       string    `json:"filename"`
	SizeBytes      int64     `json:"size_bytes"`
	ContentType    string    `json:"content_type"`
	Source         string    `json:"source"`
	Tags           []string  `json:"tags"`
	LangHint       string    `json:"lang_hint"`
	ChecksumSHA256 string    `json:"checksum_sha256"`
	CreatedAt      time.Time `json:"created_at"`
}

// UploadOptions carries the optional form fields for staging.
type UploadOptions struct {
	ContentType string
	Source      string
	Tags        []string
	LangHint    string
}

// UploadFile stages a document for a later ingestion job.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader, opts UploadOptions) (*Upload, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("copy upload body: %w", err)
	}
	if opts.Source != "" {
		mw.WriteField("source", opts.Source)
	}
	if len(opts.Tags) > 0 {
		mw.WriteField("tags", strings.Join(opts.Tags, ","))
	}
	if opts.LangHint != "" {
		mw.WriteField("lang_hint", opts.LangHint)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/uploads", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var rec Upload
	if err := c.do(httpReq, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetUpload fetches a staged upload record.
func (c *Client) GetUpload(ctx context.Context, uploadID string) (*Upload, error) {
	var rec Upload
	if err := c.get(ctx, "/uploads/"+uploadID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// JobRequest creates an ingestion job over staged uploads.
type JobRequest struct {
	UploadIDs   []string `json:"upload_ids"`
	Profile     string   `json:"profile"`
	UpdateAlias bool     `json:"update_alias"`
	Evaluate    bool     `json:"evaluate"`
	Priority    int      `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	LangHint    string   `json:"lang_hint,omitempty"`
	Domain      string   `json:"domain_key,omitempty"`
}

// JobProgress tallies pipeline counters.
type JobProgress struct {
	FilesTotal     int `json:"files_total"`
	FilesProcessed int `json:"files_processed"`
	ChunksTotal    int `json:"chunks_total"`
	ChunksIndexed  int `json:"chunks_indexed"`
	DedupeSkipped  int `json:"dedupe_skipped"`
}

// EvalMetrics holds golden-query evaluation results.
type EvalMetrics struct {
	HitRate       float64 `json:"hit_rate"`
	MRR           float64 `json:"mrr"`
	PhraseHitRate float64 `json:"phrase_hit_rate"`
}

// Job is one ingestion job snapshot.
type Job struct {
	JobID   string   `json:"job_id"`
	Profile string   `json:"profile"`
	Uploads []string `json:"uploads"`

	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Progress         JobProgress  `json:"progress"`
	Summary          string       `json:"summary,omitempty"`
	Metrics          *EvalMetrics `json:"metrics,omitempty"`
	Error            string       `json:"error,omitempty"`
	ErrorDetail      string       `json:"error_detail,omitempty"`
	PromotionBlocked bool         `json:"promotion_blocked,omitempty"`

	TargetTable string   `json:"target_table,omitempty"`
	TargetAlias string   `json:"target_alias,omitempty"`
	LogsTail    []string `json:"logs_tail,omitempty"`
}

// Terminal reports whether the job has finished, either way.
func (j *Job) Terminal() bool {
	return j.Status == "SUCCEEDED" || j.Status == "FAILED"
}

// CreateJob queues an ingestion job and returns its queued snapshot.
func (c *Client) CreateJob(ctx context.Context, req JobRequest) (*Job, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode job request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ingest/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var job Job
	if err := c.do(httpReq, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches the current snapshot of an ingestion job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.get(ctx, "/ingest/jobs/"+jobID, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// WaitForJob polls until the job reaches a terminal state or the context is
// cancelled.
func (c *Client) WaitForJob(ctx context.Context, jobID string, pollInterval time.Duration) (*Job, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health is the service health snapshot.
type Health struct {
	OK       bool              `json:"ok"`
	Services map[string]string `json:"services"`
}

// Healthz checks the service and its dependencies.
func (c *Client) Healthz(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/healthz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// do executes a request and decodes the response, turning non-2xx statuses
// into *APIError.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Code = "unknown"
			apiErr.Detail = resp.Status
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
