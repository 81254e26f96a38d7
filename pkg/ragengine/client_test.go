package ragengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChat_SendsDomainHeaderAndDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat", r.URL.Path)
		assert.Equal(t, "billing", r.Header.Get(DomainHeader))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "how do I pay?", body["question"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"question":     "how do I pay?",
			"answer":       "Pay through the portal.",
			"mode":         "rag",
			"sources_used": "all",
			"used_chunks": []map[string]interface{}{
				{"chunk_id": "c1", "source": "billing.txt", "score": 0.91},
			},
			"decision_explain": map[string]interface{}{
				"mode": "rag", "max_similarity": 0.91, "retrieval_target": "BILLING_v3",
			},
		})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	resp, err := client.Chat(context.Background(), ChatRequest{Question: "how do I pay?", Domain: "billing"})
	require.NoError(t, err)

	assert.Equal(t, "Pay through the portal.", resp.Answer)
	assert.Equal(t, "rag", resp.Mode)
	require.Len(t, resp.UsedChunks, 1)
	assert.Equal(t, "billing.txt", resp.UsedChunks[0].Source)
	assert.Equal(t, "BILLING_v3", resp.DecisionExplain.RetrievalTarget)
}

func TestChat_DecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{
			"error":  "unknown_profile",
			"detail": "profile nope is not configured",
		})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := client.Chat(context.Background(), ChatRequest{Question: "q"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "unknown_profile", apiErr.Code)
	assert.Equal(t, "profile nope is not configured", apiErr.Detail)
}

func TestUploadFile_SendsMultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/uploads", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "manual.txt", header.Filename)
		assert.Equal(t, "docs-team", r.FormValue("source"))
		assert.Equal(t, "fiber,setup", r.FormValue("tags"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"upload_id": "up-123", "filename": "manual.txt", "size_bytes": 11,
		})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	rec, err := client.UploadFile(context.Background(), "manual.txt", strings.NewReader("hello world"), UploadOptions{
		Source: "docs-team",
		Tags:   []string{"fiber", "setup"},
	})
	require.NoError(t, err)
	assert.Equal(t, "up-123", rec.UploadID)
	assert.Equal(t, int64(11), rec.SizeBytes)
}

func TestCreateJob_SendsDomainKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ingest/jobs", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "legacy_profile", body["profile"])
		assert.Equal(t, "billing", body["domain_key"])
		assert.NotContains(t, body, "domain")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{"job_id": "job-9", "status": "queued"})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	job, err := client.CreateJob(context.Background(), JobRequest{
		UploadIDs: []string{"up-1"},
		Profile:   "legacy_profile",
		Domain:    "billing",
	})
	require.NoError(t, err)
	assert.Equal(t, "job-9", job.JobID)
}

func TestWaitForJob_PollsUntilTerminal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ingest/jobs/job-1", r.URL.Path)
		calls++
		status := "running"
		if calls >= 3 {
			status = "SUCCEEDED"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": "job-1", "status": status,
			"summary": "docs=1 chunks=4 inserted=4 skipped=0",
		})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := client.WaitForJob(ctx, "job-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "SUCCEEDED", job.Status)
	assert.True(t, job.Terminal())
	assert.GreaterOrEqual(t, calls, 3)
}
