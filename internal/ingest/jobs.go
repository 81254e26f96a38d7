package ingest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/apperr"
)

// Job states. Terminal states are upper-case.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// Job failure codes.
const (
	ErrCodeUploadMissing  = "upload_missing"
	ErrCodeUnknownProfile = "unknown_profile"
	ErrCodeSchemaDrift    = "schema_drift"
	ErrCodeEmbedFailed    = "embed_failed"
	ErrCodeUpsertFailed   = "upsert_failed"
	ErrCodeAliasFailed    = "alias_failed"
	ErrCodeEvalFailed     = "eval_failed"
)

const logsTailMax = 40

// JobOptions are the caller-supplied knobs for one job.
type JobOptions struct {
	UpdateAlias bool     `json:"update_alias"`
	Evaluate    bool     `json:"evaluate"`
	Priority    int      `json:"priority"`
	Tags        []string `json:"tags,omitempty"`
	LangHint    string   `json:"lang_hint,omitempty"`
	DomainKey   string   `json:"domain_key,omitempty"`
}

// Progress carries live counters for a job.
type Progress struct {
	FilesTotal     int `json:"files_total"`
	FilesProcessed int `json:"files_processed"`
	ChunksTotal    int `json:"chunks_total"`
	ChunksIndexed  int `json:"chunks_indexed"`
	DedupeSkipped  int `json:"dedupe_skipped"`
}

// EvalMetrics aggregates one golden-query evaluation run.
type EvalMetrics struct {
	HitRate       float64 `json:"hit_rate"`
	MRR           float64 `json:"mrr"`
	PhraseHitRate float64 `json:"phrase_hit_rate"`
}

// Job is one ingestion run. Snapshots returned by the registry are copies;
// only the owning worker mutates the live record.
type Job struct {
	JobID   string     `json:"job_id"`
	Profile string     `json:"profile"`
	Uploads []string   `json:"uploads"`
	Options JobOptions `json:"options"`

	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Progress         Progress     `json:"progress"`
	Summary          string       `json:"summary,omitempty"`
	Metrics          *EvalMetrics `json:"metrics,omitempty"`
	Error            string       `json:"error,omitempty"`
	ErrorDetail      string       `json:"error_detail,omitempty"`
	PromotionBlocked bool         `json:"promotion_blocked,omitempty"`

	ManifestPath string   `json:"manifest_path,omitempty"`
	TargetTable  string   `json:"target_table,omitempty"`
	TargetAlias  string   `json:"target_alias,omitempty"`
	LogsTail     []string `json:"logs_tail,omitempty"`
}

func (j *Job) clone() Job {
	c := *j
	c.Uploads = append([]string(nil), j.Uploads...)
	c.LogsTail = append([]string(nil), j.LogsTail...)
	if j.Metrics != nil {
		m := *j.Metrics
		c.Metrics = &m
	}
	return c
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// Registry tracks jobs in memory and persists snapshots to disk so state
// survives restarts.
type Registry struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	stateDir string
}

// NewRegistry loads any persisted job snapshots from stateDir.
func NewRegistry(stateDir string) (*Registry, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	r := &Registry{jobs: make(map[string]*Job), stateDir: stateDir}

	files, err := filepath.Glob(filepath.Join(stateDir, "emb-*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan state dir: %w", err)
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			continue
		}
		// A job interrupted by restart can never complete.
		if !job.Terminal() {
			job.Status = StatusFailed
			job.Error = ErrCodeUpsertFailed
			job.ErrorDetail = "interrupted by process restart"
		}
		r.jobs[job.JobID] = &job
	}
	return r, nil
}

// Create validates and registers a new queued job. Duplicate upload ids and
// overlaps with other non-terminal jobs are rejected.
func (r *Registry) Create(profile string, uploadIDs []string, opts JobOptions) (Job, error) {
	if len(uploadIDs) == 0 {
		return Job{}, apperr.New(apperr.KindBadRequest, "upload_ids must not be empty")
	}
	seen := make(map[string]bool, len(uploadIDs))
	for _, id := range uploadIDs {
		if seen[id] {
			return Job{}, apperr.Newf(apperr.KindBadRequest, "duplicate upload id %s", id)
		}
		seen[id] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.jobs {
		if existing.Terminal() {
			continue
		}
		for _, id := range existing.Uploads {
			if seen[id] {
				return Job{}, apperr.Newf(apperr.KindConflict,
					"upload %s is referenced by active job %s", id, existing.JobID)
			}
		}
	}

	job := &Job{
		JobID:     newJobID(),
		Profile:   profile,
		Uploads:   append([]string(nil), uploadIDs...),
		Options:   opts,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	r.jobs[job.JobID] = job
	r.persistLocked(job)
	return job.clone(), nil
}

// Get returns a consistent snapshot of a job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, apperr.Newf(apperr.KindNotFound, "job %s not found", id)
	}
	return job.clone(), nil
}

// Update applies fn to the live job under the registry lock and persists the
// result.
func (r *Registry) Update(id string, fn func(*Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return
	}
	fn(job)
	r.persistLocked(job)
}

// AppendLog retains the last logsTailMax lines for a job.
func (r *Registry) AppendLog(id, format string, args ...interface{}) {
	line := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	r.Update(id, func(j *Job) {
		j.LogsTail = append(j.LogsTail, line)
		if len(j.LogsTail) > logsTailMax {
			j.LogsTail = j.LogsTail[len(j.LogsTail)-logsTailMax:]
		}
	})
}

func (r *Registry) persistLocked(job *Job) {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(r.stateDir, job.JobID+".json")
	// Snapshot loss is tolerable, in-memory state stays authoritative.
	_ = writeFileAtomic(path, data)
}

// newJobID formats ids as emb-YYYYMMDD-<hex6>.
func newJobID() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Timestamp fallback keeps ids unique enough for a single process.
		return fmt.Sprintf("emb-%s-%06x", time.Now().UTC().Format("20060102"), time.Now().UnixNano()&0xffffff)
	}
	return fmt.Sprintf("emb-%s-%s", time.Now().UTC().Format("20060102"), strings.ToLower(hex.EncodeToString(b[:])))
}
