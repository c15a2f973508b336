package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ron111104/LEGALYTICS/internal/corpus"
	"github.com/Ron111104/LEGALYTICS/internal/index/hnsw"
)

func init() {
	rootCmd.AddCommand(indexCmd)
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the HNSW graph from the stored embeddings",
	Long: `Loads the corpus artifacts and rebuilds the HNSW graph file the API server
imports at startup. No embedding calls are made.`,
	RunE: runIndex,
}

// IndexResult is printed by the index command.
type IndexResult struct {
	Status          string  `json:"status"`
	Path            string  `json:"path"`
	Cases           int     `json:"cases"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func runIndex(cmd *cobra.Command, _ []string) error {
	e := mustSetup()
	defer func() { _ = e.logger.Sync() }()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	c, err := corpus.Load(ctx, e.paths())
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}

	start := time.Now()
	idx, err := hnsw.Build(ctx, c, e.hnswOptions())
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	path := e.indexPath()
	if err := idx.Save(path); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	e.logger.Info("Index saved", zap.String("path", path), zap.Int("cases", idx.Len()))

	return outputJSON(IndexResult{
		Status:          "complete",
		Path:            path,
		Cases:           idx.Len(),
		DurationSeconds: time.Since(start).Seconds(),
	})
}
