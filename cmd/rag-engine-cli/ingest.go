package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/ingest"
)

const jobPollInterval = 500 * time.Millisecond

// newIngestCmd creates the ingest subcommand.
func newIngestCmd() *cobra.Command {
	var (
		profile     string
		domain      string
		updateAlias bool
		evaluate    bool
		tags        []string
		langHint    string
		priority    int
	)

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Stage documents and run an ingestion job",
		Long: `Ingest stages the given files, runs them through loading, cleaning,
sanitisation, chunking and embedding, and upserts the chunks into a fresh
versioned table. With --update-alias the serving alias is rotated to the new
table once the job succeeds.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()

			if profile == "" {
				profile = cfg.Embeddings.ActiveProfile
			}

			orchestrator, store, err := newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			// Stage all files first so a bad path fails before any job starts.
			stageBar := NewProgressBar(int64(len(args)), "staging uploads")
			uploadIDs := make([]string, 0, len(args))
			for i, path := range args {
				f, err := os.Open(path)
				if err != nil {
					stageBar.Finish()
					return fmt.Errorf("open %s: %w", path, err)
				}
				rec, err := orchestrator.CreateUpload(&ingest.UploadRequest{
					Body:     f,
					Filename: filepath.Base(path),
					Source:   filepath.Base(path),
					Tags:     tags,
					LangHint: langHint,
				})
				f.Close()
				if err != nil {
					stageBar.Finish()
					return fmt.Errorf("stage %s: %w", path, err)
				}
				uploadIDs = append(uploadIDs, rec.UploadID)
				stageBar.Set(int64(i + 1))
			}
			stageBar.Finish()

			job, err := orchestrator.CreateJob(ctx, uploadIDs, profile, ingest.JobOptions{
				UpdateAlias: updateAlias,
				Evaluate:    evaluate,
				Priority:    priority,
				Tags:        tags,
				LangHint:    langHint,
				DomainKey:   domain,
			})
			if err != nil {
				return err
			}
			Info("job %s queued, target table %s", job.JobID, job.TargetTable)

			final, err := watchJob(ctx, orchestrator, job.JobID)
			if err != nil {
				return err
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(final)
			}
			return reportJob(final)
		},
	}

	cmd.Flags().StringVarP(&profile, "profile", "p", "", "embedding profile (default: active profile)")
	cmd.Flags().StringVar(&domain, "domain", "", "domain key overriding the profile's index and alias")
	cmd.Flags().BoolVar(&updateAlias, "update-alias", false, "rotate the serving alias on success")
	cmd.Flags().BoolVar(&evaluate, "evaluate", false, "run golden-query evaluation before promotion")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "tags attached to every chunk")
	cmd.Flags().StringVar(&langHint, "lang", "", "language hint for the documents")
	cmd.Flags().IntVar(&priority, "priority", 0, "retrieval priority attached to every chunk")

	return cmd
}

// watchJob polls the registry until the job reaches a terminal state,
// driving a progress bar from the live counters.
func watchJob(ctx context.Context, o *ingest.Orchestrator, jobID string) (ingest.Job, error) {
	bar := NewProgressBar(1, "processing documents")
	defer bar.Finish()

	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ingest.Job{}, ctx.Err()
		case <-ticker.C:
		}

		job, err := o.GetJob(jobID)
		if err != nil {
			return ingest.Job{}, err
		}
		if job.Progress.FilesTotal > 0 {
			bar.SetTotal(int64(job.Progress.FilesTotal))
			bar.Set(int64(job.Progress.FilesProcessed))
		}
		if job.Terminal() {
			return job, nil
		}
	}
}

func reportJob(job ingest.Job) error {
	if job.Status == ingest.StatusFailed {
		Failure("job %s failed: %s: %s", job.JobID, job.Error, job.ErrorDetail)
		return fmt.Errorf("job %s failed", job.JobID)
	}

	Success("job %s succeeded: %s", job.JobID, job.Summary)
	if job.Metrics != nil {
		Info("eval: hit_rate=%.3f mrr=%.3f phrase_hit_rate=%.3f",
			job.Metrics.HitRate, job.Metrics.MRR, job.Metrics.PhraseHitRate)
	}
	if job.PromotionBlocked {
		Warning("promotion blocked by evaluation gates, alias %s unchanged", job.TargetAlias)
	} else if job.Options.UpdateAlias {
		Success("alias %s now serves %s", job.TargetAlias, job.TargetTable)
	}
	return nil
}

// newJobCmd creates the job inspection subcommand.
func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show the state of an ingestion job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := ingest.NewRegistry(cfg.Ingest.StateDir)
			if err != nil {
				return err
			}

			job, err := registry.Get(args[0])
			if err != nil {
				return err
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(job)
			}

			Info("job %s  status=%s  profile=%s", job.JobID, job.Status, job.Profile)
			Info("progress: files %d/%d  chunks indexed %d  dedupe skipped %d",
				job.Progress.FilesProcessed, job.Progress.FilesTotal,
				job.Progress.ChunksIndexed, job.Progress.DedupeSkipped)
			if job.Summary != "" {
				Info("summary: %s", job.Summary)
			}
			if job.Error != "" {
				Failure("%s: %s", job.Error, job.ErrorDetail)
			}
			for _, line := range job.LogsTail {
				fmt.Fprintln(os.Stdout, "  "+line)
			}
			return nil
		},
	}
	return cmd
}
