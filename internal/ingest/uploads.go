// Package ingest provides the document ingestion pipeline: upload staging,
// manifests, loaders, chunking, embedding, upsert and alias rotation.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/apperr"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
)

// UploadRecord describes one staged upload.
type UploadRecord struct {
	UploadID       string    `json:"upload_id"`
	Filename       string    `json:"filename"`
	SizeBytes      int64     `json:"size_bytes"`
	ContentType    string    `json:"content_type"`
	Source         string    `json:"source"`
	Tags           []string  `json:"tags"`
	LangHint       string    `json:"lang_hint"`
	StoragePath    string    `json:"storage_path"`
	ChecksumSHA256 string    `json:"checksum_sha256"`
	CreatedAt      time.Time `json:"created_at"`
}

// UploadStore stages uploads on disk: one blob plus one metadata file per
// upload.
type UploadStore struct {
	dir       string
	maxBytes  int64
	allowMime map[string]bool
	logger    *observability.Logger

	mu sync.Mutex
}

// NewUploadStore creates the staging directory if needed.
func NewUploadStore(dir string, maxBytes int64, allowMime []string, logger *observability.Logger) (*UploadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	allowed := make(map[string]bool, len(allowMime))
	for _, m := range allowMime {
		allowed[strings.ToLower(m)] = true
	}

	return &UploadStore{
		dir:       dir,
		maxBytes:  maxBytes,
		allowMime: allowed,
		logger:    logger.WithComponent("uploads"),
	}, nil
}

// Create stages one upload. Size and MIME limits are enforced before any
// blob is persisted.
func (s *UploadStore) Create(r io.Reader, filename, contentType, source string, tags []string, langHint string) (*UploadRecord, error) {
	contentType = normalizeContentType(contentType, filename)
	if len(s.allowMime) > 0 && !s.allowMime[contentType] {
		return nil, apperr.Newf(apperr.KindUnsupportedMime, "content type %q is not allowed", contentType)
	}

	// Read one byte beyond the limit so an exact-limit upload passes.
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, apperr.New(apperr.KindEmptyPayload, "upload is empty")
	}
	if int64(len(data)) > s.maxBytes {
		return nil, apperr.Newf(apperr.KindTooLarge, "Upload exceeds maximum size of %d bytes", s.maxBytes)
	}

	sum := sha256.Sum256(data)
	rec := &UploadRecord{
		UploadID:       uuid.NewString(),
		Filename:       filepath.Base(filename),
		SizeBytes:      int64(len(data)),
		ContentType:    contentType,
		Source:         source,
		Tags:           tags,
		LangHint:       langHint,
		ChecksumSHA256: hex.EncodeToString(sum[:]),
		CreatedAt:      time.Now().UTC(),
	}
	rec.StoragePath = filepath.Join(s.dir, rec.UploadID+strings.ToLower(filepath.Ext(filename)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(rec.StoragePath, data); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreFailed, "persist upload blob", err)
	}
	if err := s.writeMeta(rec); err != nil {
		os.Remove(rec.StoragePath)
		return nil, apperr.Wrap(apperr.KindStoreFailed, "persist upload metadata", err)
	}

	s.logger.Info().
		Str("upload_id", rec.UploadID).
		Str("filename", rec.Filename).
		Int64("size_bytes", rec.SizeBytes).
		Str("content_type", rec.ContentType).
		Msg("upload staged")
	return rec, nil
}

// Get loads one upload record by id.
func (s *UploadStore) Get(id string) (*UploadRecord, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Newf(apperr.KindNotFound, "upload %s not found", id)
		}
		return nil, fmt.Errorf("read upload metadata: %w", err)
	}

	var rec UploadRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode upload metadata: %w", err)
	}
	return &rec, nil
}

func (s *UploadStore) metaPath(id string) string {
	return filepath.Join(s.dir, id+".meta.json")
}

func (s *UploadStore) writeMeta(rec *UploadRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.metaPath(rec.UploadID), data)
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func normalizeContentType(contentType, filename string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		if i := strings.Index(byExt, ";"); i >= 0 {
			byExt = byExt[:i]
		}
		return byExt
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt":
		return "text/plain"
	case ".html", ".htm":
		return "text/html"
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".pptx":
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}
