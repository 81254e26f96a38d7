package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// newUploadsCmd creates the uploads subcommand group.
func newUploadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "Stage and inspect document uploads",
	}
	cmd.AddCommand(newUploadsStageCmd())
	cmd.AddCommand(newUploadsShowCmd())
	return cmd
}

func newUploadsStageCmd() *cobra.Command {
	var (
		source   string
		tags     []string
		langHint string
	)

	cmd := &cobra.Command{
		Use:   "stage <file>...",
		Short: "Stage files for a later ingestion job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := newUploadStore()
			if err != nil {
				return err
			}

			bar := NewProgressBar(int64(len(args)), "staging uploads")
			defer bar.Finish()

			for i, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("open %s: %w", path, err)
				}

				src := source
				if src == "" {
					src = filepath.Base(path)
				}
				rec, err := store.Create(f, filepath.Base(path), "", src, tags, langHint)
				f.Close()
				if err != nil {
					return fmt.Errorf("stage %s: %w", path, err)
				}

				bar.Set(int64(i + 1))
				if outputJSON {
					if err := json.NewEncoder(os.Stdout).Encode(rec); err != nil {
						return err
					}
				} else {
					Success("%s staged as %s (%d bytes)", rec.Filename, rec.UploadID, rec.SizeBytes)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "source label (default: file name)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "tags recorded on the upload")
	cmd.Flags().StringVar(&langHint, "lang", "", "language hint")

	return cmd
}

func newUploadsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <upload-id>",
		Short: "Show a staged upload record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := newUploadStore()
			if err != nil {
				return err
			}

			rec, err := store.Get(args[0])
			if err != nil {
				return err
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(rec)
			}
			Info("upload %s", rec.UploadID)
			Info("  filename:     %s", rec.Filename)
			Info("  content type: %s", rec.ContentType)
			Info("  size:         %d bytes", rec.SizeBytes)
			Info("  checksum:     %s", rec.ChecksumSHA256)
			Info("  staged at:    %s", rec.CreatedAt)
			return nil
		},
	}
}
