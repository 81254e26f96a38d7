// Package main provides CLI commands for index retention and purging.
package main

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var tableVersionRe = regexp.MustCompile(`^(.*)_v(\d+)$`)

// newPurgeCmd creates the purge subcommand. Superseded physical tables stay
// behind after alias rotations; purge drops all but the most recent ones.
func newPurgeCmd() *cobra.Command {
	var (
		alias  string
		keep   int
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop superseded index versions behind an alias",
		Long: `Purge resolves the alias to its live versioned table and drops older
versions, keeping the live table plus --keep predecessors for rollback.
Use --dry-run to preview what would be dropped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			if alias == "" {
				alias = cfg.Embeddings.Alias.Name
			}

			store, err := openStore(ctx)
			if err != nil {
				return fmt.Errorf("vector store: %w", err)
			}
			defer store.Close()

			current, err := store.AliasTarget(ctx, alias)
			if err != nil {
				return fmt.Errorf("resolve alias %s: %w", alias, err)
			}

			m := tableVersionRe.FindStringSubmatch(current)
			if m == nil {
				Info("alias %s serves unversioned table %s, nothing to purge", alias, current)
				return nil
			}
			base := m[1]
			live, _ := strconv.Atoi(m[2])

			dropped := 0
			for v := 1; v <= live-keep-1; v++ {
				table := fmt.Sprintf("%s_v%d", base, v)

				// Skip versions that were already dropped.
				n, err := store.Count(ctx, table)
				if err != nil {
					continue
				}

				if dryRun {
					Info("would drop %s (%d rows)", table, n)
					dropped++
					continue
				}
				if err := store.Drop(ctx, table); err != nil {
					return fmt.Errorf("drop %s: %w", table, err)
				}
				Success("dropped %s (%d rows)", table, n)
				dropped++
			}

			if dropped == 0 {
				Info("alias %s serves %s, no superseded versions to drop", alias, current)
			} else if dryRun {
				Info("dry run: %d table(s) would be dropped", dropped)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&alias, "alias", "", "alias to purge behind (default: configured alias)")
	cmd.Flags().IntVar(&keep, "keep", 1, "superseded versions to retain for rollback")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview without dropping")

	return cmd
}
