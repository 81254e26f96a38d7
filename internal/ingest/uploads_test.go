package ingest

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/apperr"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
)

func newTestUploadStore(t *testing.T, maxBytes int64) *UploadStore {
	t.Helper()
	s, err := NewUploadStore(t.TempDir(), maxBytes, []string{"text/plain", "application/pdf"}, observability.DefaultLogger())
	require.NoError(t, err)
	return s
}

func TestUploadStore_CreateAndGet(t *testing.T) {
	s := newTestUploadStore(t, 1024)

	rec, err := s.Create(strings.NewReader("hello world"), "notes.txt", "text/plain", "manual", []string{"a"}, "en")
	require.NoError(t, err)

	assert.NotEmpty(t, rec.UploadID)
	assert.Equal(t, "notes.txt", rec.Filename)
	assert.Equal(t, int64(11), rec.SizeBytes)
	assert.Equal(t, "text/plain", rec.ContentType)
	// sha256("hello world")
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", rec.ChecksumSHA256)

	got, err := s.Get(rec.UploadID)
	require.NoError(t, err)
	assert.Equal(t, rec.UploadID, got.UploadID)
	assert.Equal(t, rec.StoragePath, got.StoragePath)
}

func TestUploadStore_SizeBoundary(t *testing.T) {
	maxBytes := int64(1048576)
	s := newTestUploadStore(t, maxBytes)

	// Exactly at the limit succeeds.
	_, err := s.Create(bytes.NewReader(make([]byte, maxBytes)), "exact.txt", "text/plain", "", nil, "")
	require.NoError(t, err)

	// One byte more fails with the literal detail string.
	_, err = s.Create(bytes.NewReader(make([]byte, maxBytes+1)), "big.txt", "text/plain", "", nil, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindTooLarge, apperr.KindOf(err))

	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "Upload exceeds maximum size of 1048576 bytes", ae.Detail)
}

func TestUploadStore_EmptyPayloadRejected(t *testing.T) {
	s := newTestUploadStore(t, 1024)

	_, err := s.Create(strings.NewReader(""), "empty.txt", "text/plain", "", nil, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindEmptyPayload, apperr.KindOf(err))
}

func TestUploadStore_UnsupportedMimeRejected(t *testing.T) {
	s := newTestUploadStore(t, 1024)

	_, err := s.Create(strings.NewReader("GIF89a"), "anim.gif", "image/gif", "", nil, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnsupportedMime, apperr.KindOf(err))
}

func TestUploadStore_GetMissing(t *testing.T) {
	s := newTestUploadStore(t, 1024)

	_, err := s.Get("no-such-upload")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestNormalizeContentType(t *testing.T) {
	assert.Equal(t, "text/plain", normalizeContentType("text/plain; charset=utf-8", "x.bin"))
	assert.Equal(t, "application/pdf", normalizeContentType("", "manual.PDF"))
	assert.Equal(t, mimeDOCX, normalizeContentType("application/octet-stream", "doc.docx"))
}
