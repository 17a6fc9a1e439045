package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clinic/chartmerge/internal/config"
	"github.com/clinic/chartmerge/internal/domain/extraction"
	"github.com/clinic/chartmerge/pkg/entities"
)

type fileResult struct {
	File            string            `json:"file"`
	Format          extraction.Format `json:"format"`
	Entities        *entities.Set     `json:"entities"`
	ProcessingError *string           `json:"processingError,omitempty"`
}

func extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract FILE...",
		Short: "Extract entities from local files and print them as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			limit, _ := cmd.Flags().GetInt("concurrency")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env, os.Stderr)
			router, err := newRouter(cfg, logger)
			if err != nil {
				return err
			}

			results, err := extractFiles(cmd.Context(), router, args, format, limit, cfg.ExtractionTimeout)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
	cmd.Flags().String("format", "", "Format of every file (defaults to detection by extension)")
	cmd.Flags().Int("concurrency", 4, "Files extracted at once")
	return cmd
}

// extractFiles runs the extractors over files with at most limit in flight.
// Extraction problems are reported per file; only unreadable files fail the
// run.
func extractFiles(ctx context.Context, router *extraction.Router, files []string, format string, limit int, timeout time.Duration) ([]fileResult, error) {
	if limit < 1 {
		limit = 1
	}
	results := make([]fileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, path := range files {
		g.Go(func() error {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			res := fileResult{File: path, Entities: entities.NewSet()}
			f, err := extraction.DetectFormat(format, path)
			res.Format = f
			if err == nil {
				ectx, cancel := context.WithTimeout(gctx, timeout)
				var set *entities.Set
				set, _, err = router.Extract(ectx, f, content)
				cancel()
				if set != nil {
					res.Entities = entities.Dedup(set)
				}
			}
			if err != nil {
				msg := err.Error()
				res.ProcessingError = &msg
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
