package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/retrieval"
)

// newQueryCmd creates the query subcommand.
func newQueryCmd() *cobra.Command {
	var (
		domain      string
		showExplain bool
	)

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a question against the active index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			question := strings.Join(args, " ")

			store, err := openStore(ctx)
			if err != nil {
				return fmt.Errorf("vector store: %w", err)
			}
			defer store.Close()

			embedder, err := newEmbedder()
			if err != nil {
				return fmt.Errorf("embedder: %w", err)
			}
			primary, fallback, err := newLLMClients()
			if err != nil {
				return err
			}
			answerCache, err := newAnswerCache()
			if err != nil {
				return fmt.Errorf("cache: %w", err)
			}
			defer answerCache.Close()

			service := retrieval.NewService(cfg, store, embedder, primary, fallback, answerCache, logger)

			sp := NewSpinner("retrieving and answering")
			sp.Start()
			resp, err := service.Answer(ctx, question, domain)
			sp.Stop()
			if err != nil {
				return err
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(resp)
			}

			fmt.Fprintf(os.Stdout, "%s %s\n\n", ModeBadge(resp.Mode), resp.Answer)
			if len(resp.UsedChunks) > 0 {
				Info("sources (%s):", resp.SourcesUsed)
				for _, u := range resp.UsedChunks {
					fmt.Fprintf(os.Stdout, "  - %s (%s, score %.3f)\n", u.ChunkID, u.Source, u.Score)
				}
			}
			if showExplain {
				d := resp.DecisionExplain
				Info("decision: mode=%s max_similarity=%.3f thresholds=[%.3f, %.3f] short_query=%t llm=%s target=%s",
					d.Mode, d.MaxSimilarity, d.ThresholdLow, d.ThresholdHigh,
					d.ShortQueryActive, d.UsedLLM, d.RetrievalTarget)
				if d.Reason != "" {
					Warning("fallback reason: %s", d.Reason)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "domain key selecting a non-default alias")
	cmd.Flags().BoolVar(&showExplain, "explain", false, "print the mode-decision trace")

	return cmd
}
