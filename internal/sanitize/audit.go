package sanitize

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditRecord is one JSON line in the audit sink: a document that had at
// least one redaction counter.
type AuditRecord struct {
	Timestamp  string         `json:"ts"`
	DocID      string         `json:"doc_id"`
	Profile    string         `json:"profile"`
	Mode       string         `json:"mode"`
	Redactions map[string]int `json:"redactions"`
}

// AuditWriter appends records to an append-only JSON-lines file.
type AuditWriter struct {
	mu   sync.Mutex
	path string
}

// NewAuditWriter creates the audit sink, creating parent directories as
// needed.
func NewAuditWriter(path string) (*AuditWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &AuditWriter{path: path}, nil
}

// Write appends one record. Each call opens, appends and closes so partial
// process crashes never truncate earlier lines.
func (w *AuditWriter) Write(docID, profile, mode string, redactions map[string]int) error {
	rec := AuditRecord{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		DocID:      docID,
		Profile:    profile,
		Mode:       mode,
		Redactions: redactions,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit sink: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}
