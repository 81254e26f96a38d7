package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/apperr"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/ingest"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
)

// multipartMemoryLimit bounds the in-memory part of multipart parsing; the
// rest spills to temp files.
const multipartMemoryLimit = 8 << 20

// IngestionHandler stages uploads and runs ingestion jobs.
type IngestionHandler struct {
	logger       *observability.Logger
	orchestrator *ingest.Orchestrator
}

// NewIngestionHandler creates an ingestion handler.
func NewIngestionHandler(logger *observability.Logger, orchestrator *ingest.Orchestrator) *IngestionHandler {
	return &IngestionHandler{logger: logger, orchestrator: orchestrator}
}

// Upload handles POST /uploads. The body is multipart form data with a
// required "file" part and optional "source", "tags" and "lang_hint" fields.
func (h *IngestionHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		writeError(w, apperr.New(apperr.KindBadRequest, "invalid multipart body"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.New(apperr.KindBadRequest, "file part is required"))
		return
	}
	defer file.Close()

	var tags []string
	if raw := r.FormValue("tags"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	rec, err := h.orchestrator.CreateUpload(&ingest.UploadRequest{
		Body:        file,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Source:      r.FormValue("source"),
		Tags:        tags,
		LangHint:    r.FormValue("lang_hint"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info().
		Str("upload_id", rec.UploadID).
		Str("filename", rec.Filename).
		Int64("size_bytes", rec.SizeBytes).
		Msg("upload staged")
	writeJSON(w, http.StatusCreated, rec)
}

// GetUpload handles GET /uploads/{uploadID}.
func (h *IngestionHandler) GetUpload(w http.ResponseWriter, r *http.Request) {
	rec, err := h.orchestrator.GetUpload(chi.URLParam(r, "uploadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// JobRequestDTO represents the job creation body.
type JobRequestDTO struct {
	UploadIDs   []string `json:"upload_ids"`
	Profile     string   `json:"profile"`
	UpdateAlias bool     `json:"update_alias"`
	Evaluate    bool     `json:"evaluate"`
	Priority    int      `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	LangHint    string   `json:"lang_hint,omitempty"`
	Domain      string   `json:"domain_key,omitempty"`
}

// CreateJob handles POST /ingest/jobs. The job runs asynchronously; the
// response is the queued snapshot.
func (h *IngestionHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindBadRequest, "invalid request body"))
		return
	}
	if req.Profile == "" {
		writeError(w, apperr.New(apperr.KindBadRequest, "profile is required"))
		return
	}

	job, err := h.orchestrator.CreateJob(r.Context(), req.UploadIDs, req.Profile, ingest.JobOptions{
		UpdateAlias: req.UpdateAlias,
		Evaluate:    req.Evaluate,
		Priority:    req.Priority,
		Tags:        req.Tags,
		LangHint:    req.LangHint,
		DomainKey:   req.Domain,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info().Str("job_id", job.JobID).Str("profile", job.Profile).Msg("ingestion job queued")
	writeJSON(w, http.StatusAccepted, job)
}

// GetJob handles GET /ingest/jobs/{jobID}.
func (h *IngestionHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.orchestrator.GetJob(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
