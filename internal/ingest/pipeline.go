package ingest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/apperr"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/cache"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/chunk"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/config"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/embedding"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/sanitize"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/textclean"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/vectorstore"
)

// Orchestrator owns the ingestion pipeline: it stages uploads, creates jobs
// and runs each job through manifest expansion, loading, cleaning,
// sanitisation, chunking, embedding, upsert, evaluation and alias rotation.
type Orchestrator struct {
	cfg       *config.Config
	uploads   *UploadStore
	registry  *Registry
	store     vectorstore.Store
	embedder  embedding.Embedder
	sanitizer *sanitize.Sanitizer
	evaluator *Evaluator
	cache     cache.Client
	logger    *observability.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewOrchestrator wires the pipeline. The cache client is optional; when
// present, cached answers for a rotated alias are invalidated.
func NewOrchestrator(
	cfg *config.Config,
	uploads *UploadStore,
	registry *Registry,
	store vectorstore.Store,
	embedder embedding.Embedder,
	sanitizer *sanitize.Sanitizer,
	answerCache cache.Client,
	logger *observability.Logger,
) *Orchestrator {
	workers := cfg.Ingest.MaxConcurrentJobs
	if workers <= 0 {
		workers = 1
	}
	return &Orchestrator{
		cfg:       cfg,
		uploads:   uploads,
		registry:  registry,
		store:     store,
		embedder:  embedder,
		sanitizer: sanitizer,
		evaluator: NewEvaluator(store, embedder, logger),
		cache:     answerCache,
		logger:    logger.WithComponent("ingest"),
		sem:       make(chan struct{}, workers),
	}
}

// CreateUpload stages a new upload.
func (o *Orchestrator) CreateUpload(r *UploadRequest) (*UploadRecord, error) {
	return o.uploads.Create(r.Body, r.Filename, r.ContentType, r.Source, r.Tags, r.LangHint)
}

// UploadRequest carries one incoming upload.
type UploadRequest struct {
	Body        io.Reader
	Filename    string
	ContentType string
	Source      string
	Tags        []string
	LangHint    string
}

// GetUpload returns one staged upload record.
func (o *Orchestrator) GetUpload(id string) (*UploadRecord, error) {
	return o.uploads.Get(id)
}

// GetJob returns a job snapshot.
func (o *Orchestrator) GetJob(id string) (Job, error) {
	return o.registry.Get(id)
}

// CreateJob validates the request, snapshots the referenced uploads into a
// manifest and enqueues the job. It returns immediately with the queued
// snapshot; the body runs on a worker goroutine.
func (o *Orchestrator) CreateJob(ctx context.Context, uploadIDs []string, profileName string, opts JobOptions) (Job, error) {
	profile, ok := o.cfg.Embeddings.Profiles[profileName]
	if !ok {
		return Job{}, apperr.Newf(apperr.KindUnknownProfile, "profile %q is not declared", profileName)
	}
	if opts.DomainKey != "" {
		if _, ok := o.cfg.Embeddings.Domains[opts.DomainKey]; !ok {
			return Job{}, apperr.Newf(apperr.KindUnknownDomain, "unknown domain %q", opts.DomainKey)
		}
	}

	records := make([]*UploadRecord, 0, len(uploadIDs))
	for _, id := range uploadIDs {
		rec, err := o.uploads.Get(id)
		if err != nil {
			return Job{}, err
		}
		records = append(records, rec)
	}

	job, err := o.registry.Create(profileName, uploadIDs, opts)
	if err != nil {
		return Job{}, err
	}

	manifestPath := filepath.Join(o.cfg.Ingest.ManifestDir, job.JobID+".jsonl")
	entries := make([]ManifestEntry, len(records))
	for i, rec := range records {
		tags := rec.Tags
		if len(opts.Tags) > 0 {
			tags = append(append([]string(nil), tags...), opts.Tags...)
		}
		entries[i] = ManifestEntry{
			Path:     rec.StoragePath,
			Profile:  profileName,
			Tags:     tags,
			Lang:     firstNonEmpty(opts.LangHint, rec.LangHint),
			Priority: opts.Priority,
			Metadata: map[string]interface{}{
				"source":       firstNonEmpty(rec.Source, rec.Filename),
				"content_type": rec.ContentType,
				"upload_id":    rec.UploadID,
			},
		}
	}
	if err := WriteManifest(manifestPath, entries); err != nil {
		o.registry.Update(job.JobID, func(j *Job) {
			j.Status = StatusFailed
			j.Error = ErrCodeUploadMissing
			j.ErrorDetail = err.Error()
		})
		return Job{}, apperr.Wrap(apperr.KindStoreFailed, "write manifest", err)
	}

	alias, table := o.resolveTarget(ctx, profile, opts.DomainKey)
	o.registry.Update(job.JobID, func(j *Job) {
		j.ManifestPath = manifestPath
		j.TargetAlias = alias
		j.TargetTable = table
	})

	o.wg.Add(1)
	go o.run(job.JobID)

	return o.registry.Get(job.JobID)
}

// Wait blocks until all running jobs finish. Used on shutdown and in tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

var versionSuffixRe = regexp.MustCompile(`^(.*)_v(\d+)$`)

// resolveTarget picks the alias and a fresh versioned physical table. When
// the alias resolves, the next version is bumped from its current target;
// otherwise the profile's declared index is used as-is for the first write.
func (o *Orchestrator) resolveTarget(ctx context.Context, profile config.Profile, domainKey string) (alias, table string) {
	alias = profile.AliasName
	base := profile.IndexName
	if domainKey != "" {
		d := o.cfg.Embeddings.Domains[domainKey]
		alias = d.AliasName
		base = d.IndexName
	}

	current, err := o.store.AliasTarget(ctx, alias)
	if err != nil {
		return alias, base
	}
	if m := versionSuffixRe.FindStringSubmatch(current); m != nil {
		n, _ := strconv.Atoi(m[2])
		return alias, fmt.Sprintf("%s_v%d", m[1], n+1)
	}
	return alias, current + "_v2"
}

// run executes the job body. Every fatal step failure marks the job FAILED
// with its typed code; the alias is never rotated on failure.
func (o *Orchestrator) run(jobID string) {
	defer o.wg.Done()

	o.sem <- struct{}{}
	defer func() { <-o.sem }()

	ctx := context.Background()
	logger := o.logger.WithJob(jobID)

	job, err := o.registry.Get(jobID)
	if err != nil {
		return
	}
	profile := o.cfg.Embeddings.Profiles[job.Profile]

	o.registry.Update(jobID, func(j *Job) {
		j.Status = StatusRunning
		now := nowUTC()
		j.StartedAt = &now
	})
	o.registry.AppendLog(jobID, "job started profile=%s target=%s", job.Profile, job.TargetTable)

	fail := func(code string, err error) {
		logger.Error().Err(err).Str("code", code).Msg("job failed")
		o.registry.Update(jobID, func(j *Job) {
			j.Status = StatusFailed
			j.Error = code
			j.ErrorDetail = err.Error()
			now := nowUTC()
			j.FinishedAt = &now
		})
		o.registry.AppendLog(jobID, "job failed: %s: %v", code, err)
	}

	entries, err := ReadManifest(job.ManifestPath)
	if err != nil {
		fail(ErrCodeUploadMissing, err)
		return
	}
	docs, err := ExpandManifest(job.ManifestPath, entries)
	if err != nil {
		fail(ErrCodeUploadMissing, err)
		return
	}

	o.registry.Update(jobID, func(j *Job) { j.Progress.FilesTotal = len(docs) })

	chunks, loadErrors, err := o.prepareChunks(jobID, docs, profile, logger)
	if err != nil {
		fail(ErrCodeUploadMissing, err)
		return
	}
	o.registry.Update(jobID, func(j *Job) { j.Progress.ChunksTotal = len(chunks) })
	o.registry.AppendLog(jobID, "prepared %d chunks from %d documents", len(chunks), len(docs))

	vectors, err := o.embedChunks(ctx, chunks)
	if err != nil {
		fail(ErrCodeEmbedFailed, err)
		return
	}

	res, err := o.upsertChunks(ctx, job.TargetTable, profile, chunks, vectors)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindSchemaDrift {
			fail(ErrCodeSchemaDrift, err)
		} else {
			fail(ErrCodeUpsertFailed, err)
		}
		return
	}
	o.registry.Update(jobID, func(j *Job) {
		j.Progress.ChunksIndexed = res.Inserted
		j.Progress.DedupeSkipped = res.Skipped
	})
	o.registry.AppendLog(jobID, "upsert complete inserted=%d skipped=%d", res.Inserted, res.Skipped)

	promotionBlocked := false
	if job.Options.Evaluate {
		blocked, err := o.evaluate(ctx, jobID, job.TargetTable, profile)
		if err != nil {
			fail(ErrCodeEvalFailed, err)
			return
		}
		promotionBlocked = blocked
	}

	if job.Options.UpdateAlias && res.Inserted > 0 && !promotionBlocked {
		if err := o.store.EnsureAlias(ctx, job.TargetAlias, job.TargetTable); err != nil {
			fail(ErrCodeAliasFailed, err)
			return
		}
		o.registry.AppendLog(jobID, "alias %s now points at %s", job.TargetAlias, job.TargetTable)
		o.invalidateAnswers(ctx, job.TargetAlias)
	}

	summary := fmt.Sprintf("docs=%d chunks=%d inserted=%d skipped=%d", len(docs), len(chunks), res.Inserted, res.Skipped)
	if loadErrors > 0 {
		summary += fmt.Sprintf(" errors=%d", loadErrors)
	}
	o.registry.Update(jobID, func(j *Job) {
		j.Status = StatusSucceeded
		j.Summary = summary
		j.PromotionBlocked = promotionBlocked
		now := nowUTC()
		j.FinishedAt = &now
	})
	o.registry.AppendLog(jobID, "job succeeded: %s", summary)
	logger.Info().Str("summary", summary).Bool("promotion_blocked", promotionBlocked).Msg("job succeeded")
}

// prepareChunks loads, cleans, sanitises and chunks every resolved document.
// Loader failures skip the document; they are logged and tallied so the job
// summary shows how many documents were lost.
func (o *Orchestrator) prepareChunks(jobID string, docs []ResolvedDoc, profile config.Profile, logger *observability.Logger) ([]chunk.Chunk, int, error) {
	cleanOpts := textclean.Options{
		PreserveTables:      profile.PreserveTables,
		DedupHeadersFooters: true,
	}
	params := chunkParams(profile, o.cfg.Assets)

	var all []chunk.Chunk
	loadErrors := 0
	for _, doc := range docs {
		contentType, _ := doc.Entry.Metadata["content_type"].(string)
		source, _ := doc.Entry.Metadata["source"].(string)
		if source == "" {
			source = filepath.Base(doc.Path)
		}

		blocks, err := LoadDocument(doc.Path, contentType)
		if err != nil {
			loadErrors++
			logger.Warn().Err(err).Str("doc_id", doc.DocID).Msg("loader failed, document skipped")
			o.registry.AppendLog(jobID, "skipped %s: %v", doc.DocID, err)
			o.registry.Update(jobID, func(j *Job) { j.Progress.FilesProcessed++ })
			continue
		}

		sanitizeCounters := map[string]int{}
		for i := range blocks {
			cleaned := textclean.Clean(blocks[i].Text, cleanOpts)
			processed, counters, err := o.sanitizer.Sanitize(cleaned, doc.DocID)
			if err != nil {
				// Sanitiser errors degrade silently; the cleaned text stands.
				processed = cleaned
			}
			blocks[i].Text = processed
			for label, n := range counters {
				sanitizeCounters[label] += n
			}
		}
		if len(sanitizeCounters) > 0 {
			o.registry.AppendLog(jobID, "sanitizer matches for %s: %v", doc.DocID, sanitizeCounters)
		}

		chunks, err := chunk.Document(doc.DocID, source, blocks, params)
		if err != nil {
			return nil, loadErrors, fmt.Errorf("chunk %s: %w", doc.DocID, err)
		}

		dedupe := o.cfg.Embeddings.Dedupe.ByHash
		for i := range chunks {
			chunks[i].Tags = doc.Entry.Tags
			chunks[i].Lang = doc.Entry.Lang
			chunks[i].Priority = doc.Entry.Priority
			if dedupe && chunks[i].HashNorm == "" {
				chunks[i].HashNorm = chunk.HashNorm(chunks[i].Text)
			}
		}

		all = append(all, chunks...)
		o.registry.Update(jobID, func(j *Job) { j.Progress.FilesProcessed++ })
	}
	return all, loadErrors, nil
}

// embedChunks embeds chunk texts in parallel shards. The embedder's shared
// rate limiter keeps the combined request rate within budget.
func (o *Orchestrator) embedChunks(ctx context.Context, chunks []chunk.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	workers := o.cfg.Embeddings.Batching.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(chunks) {
		workers = len(chunks)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors := make([][]float32, len(chunks))
	shardSize := (len(chunks) + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(texts); start += shardSize {
		start := start
		end := start + shardSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			out, err := o.embedder.EmbedDocuments(gctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(out) != end-start {
				return fmt.Errorf("embedder returned %d vectors for %d texts", len(out), end-start)
			}
			copy(vectors[start:end], out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// upsertChunks ensures the physical table and writes all rows.
func (o *Orchestrator) upsertChunks(ctx context.Context, table string, profile config.Profile, chunks []chunk.Chunk, vectors [][]float32) (vectorstore.UpsertResult, error) {
	if len(chunks) == 0 {
		return vectorstore.UpsertResult{}, nil
	}

	if err := o.store.EnsureIndexTable(ctx, table, o.cfg.Embeddings.Dimension, profile.Distance); err != nil {
		return vectorstore.UpsertResult{}, err
	}

	rows := make([]vectorstore.Row, len(chunks))
	for i, c := range chunks {
		rows[i] = vectorstore.Row{
			ChunkID:   c.ChunkID,
			DocID:     c.DocID,
			Text:      c.Text,
			Embedding: vectors[i],
			HashNorm:  c.HashNorm,
			Metadata:  chunkMetadata(c, profile),
		}
	}
	return o.store.Upsert(ctx, table, rows, o.cfg.Embeddings.Dedupe.ByHash)
}

// evaluate runs the golden set against the physical table and reports
// whether any configured gate blocks promotion.
func (o *Orchestrator) evaluate(ctx context.Context, jobID, table string, profile config.Profile) (blocked bool, err error) {
	evalCfg := o.cfg.Embeddings.Eval
	if evalCfg.GoldenQueriesPath == "" {
		return false, nil
	}

	queries, err := LoadGoldenQueries(evalCfg.GoldenQueriesPath)
	if err != nil {
		return false, err
	}
	metrics, err := o.evaluator.Run(ctx, table, queries, evalCfg.TopK, profile.Distance)
	if err != nil {
		return false, err
	}

	o.registry.Update(jobID, func(j *Job) {
		m := metrics
		j.Metrics = &m
	})
	o.registry.AppendLog(jobID, "[eval] hit_rate=%.3f mrr=%.3f phrase_hit_rate=%.3f",
		metrics.HitRate, metrics.MRR, metrics.PhraseHitRate)

	if evalCfg.MinHitRate > 0 && metrics.HitRate < evalCfg.MinHitRate {
		o.registry.AppendLog(jobID, "promotion blocked: hit_rate %.3f below gate %.3f", metrics.HitRate, evalCfg.MinHitRate)
		return true, nil
	}
	if evalCfg.MinMRR > 0 && metrics.MRR < evalCfg.MinMRR {
		o.registry.AppendLog(jobID, "promotion blocked: mrr %.3f below gate %.3f", metrics.MRR, evalCfg.MinMRR)
		return true, nil
	}
	return false, nil
}

// invalidateAnswers drops cached answers scoped to a rotated alias.
func (o *Orchestrator) invalidateAnswers(ctx context.Context, alias string) {
	if o.cache == nil {
		return
	}
	// Trailing separator so MY_DEMO does not sweep MY_DEMO_EU's answers.
	if err := o.cache.DeleteByPrefix(ctx, cache.CacheKey("answer", alias)+":"); err != nil {
		o.logger.Warn().Err(err).Str("alias", alias).Msg("answer cache invalidation failed")
	}
}

// chunkParams maps a profile and asset settings onto chunker parameters.
func chunkParams(profile config.Profile, assets config.AssetsConfig) chunk.Params {
	return chunk.Params{
		Strategy:                 profile.Chunker.Strategy,
		Size:                     profile.Chunker.Size,
		Overlap:                  profile.Chunker.Overlap,
		Separator:                profile.Chunker.Separator,
		MaxTokens:                profile.Chunker.MaxTokens,
		OverlapRatio:             profile.Chunker.OverlapRatio,
		AdminHeadingRegex:        profile.Chunker.AdminSections.HeadingRegex,
		StopExcludingAfterRegex:  profile.Chunker.AdminSections.StopExcludingAfterHeadingRegex,
		InlineFigurePlaceholders: assets.InlinePlaceholders,
		FigureChunks:             assets.FigureChunks,
	}
}

// chunkMetadata serialises the chunk fields that belong in the store's
// metadata column. Zero values are omitted; the keep-list, when declared,
// filters optional keys.
func chunkMetadata(c chunk.Chunk, profile config.Profile) map[string]interface{} {
	meta := map[string]interface{}{
		"chunk_type":      c.ChunkType,
		"source":          c.Source,
		"distance_metric": profile.Distance,
	}

	optional := map[string]interface{}{}
	if c.BlockType != "" {
		optional["block_type"] = c.BlockType
	}
	if c.FigureID != "" {
		optional["figure_id"] = c.FigureID
	}
	if c.ImageRef != "" {
		optional["image_ref"] = c.ImageRef
	}
	if c.ParentChunkID != "" {
		optional["parent_chunk_id"] = c.ParentChunkID
		optional["parent_chunk_local_index"] = c.ParentChunkLocalIndex
	}
	if c.SectionPath != "" {
		optional["section_path"] = c.SectionPath
	}
	if c.Page > 0 {
		optional["page"] = c.Page
	}
	if c.SlideNumber > 0 {
		optional["slide_number"] = c.SlideNumber
	}
	if c.SheetName != "" {
		optional["sheet_name"] = c.SheetName
	}
	if len(c.Tags) > 0 {
		optional["tags"] = c.Tags
	}
	if c.Lang != "" {
		optional["lang"] = c.Lang
	}
	if c.Priority > 0 {
		optional["priority"] = c.Priority
	}

	keep := map[string]bool{}
	for _, k := range profile.MetadataKeep {
		keep[k] = true
	}
	for k, v := range optional {
		if len(keep) == 0 || keep[k] {
			meta[k] = v
		}
	}
	return meta
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func nowUTC() time.Time { return time.Now().UTC() }
