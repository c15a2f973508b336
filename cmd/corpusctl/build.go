package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ron111104/LEGALYTICS/internal/corpus"
	"github.com/Ron111104/LEGALYTICS/internal/index/hnsw"
	"github.com/Ron111104/LEGALYTICS/internal/usecase/ingest"
)

var (
	buildInput       string
	buildWorkers     int
	buildBatchSize   int
	buildWithIndex   bool
	buildInstruction string
)

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().StringVarP(&buildInput, "input", "i", "", "JSONL file with one {\"id\",\"text\"} object per line (required)")
	buildCmd.Flags().IntVar(&buildWorkers, "workers", max(runtime.NumCPU()/2, 1), "concurrent embedding calls")
	buildCmd.Flags().IntVar(&buildBatchSize, "batch-size", ingest.DefaultBatchSize, "texts per embedding call")
	buildCmd.Flags().BoolVar(&buildWithIndex, "index", true, "also build and save the HNSW graph")
	buildCmd.Flags().StringVar(&buildInstruction, "instruction", "", "prefix added to every case text before embedding")
	_ = buildCmd.MarkFlagRequired("input")
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Embed judgments and write the corpus artifacts",
	Long: `Reads judgments from a JSONL file, embeds them with the configured provider
and writes the aligned artifacts into the corpus directory. Cases with blank
text are skipped. Files are replaced atomically.`,
	RunE: runBuild,
}

// BuildResult is printed by the build command.
type BuildResult struct {
	Status          string  `json:"status"`
	Dir             string  `json:"dir"`
	Cases           int     `json:"cases"`
	Skipped         int     `json:"skipped"`
	Dimensions      int     `json:"dimensions"`
	Tokens          int     `json:"tokens"`
	DurationSeconds float64 `json:"duration_seconds"`
	IndexFile       string  `json:"index_file,omitempty"`
}

func runBuild(cmd *cobra.Command, _ []string) error {
	e := mustSetup()
	defer func() { _ = e.logger.Sync() }()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	f, err := os.Open(filepath.Clean(buildInput))
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	sources, err := ingest.ReadJSONL(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", buildInput, err)
	}
	e.logger.Info("Read judgments", zap.Int("count", len(sources)), zap.String("input", buildInput))

	builder, err := ingest.NewBuilder(e.embedder(e.cfg.Embedding.Dimensions, buildInstruction),
		ingest.WithPoolSize(buildWorkers),
		ingest.WithBatchSize(buildBatchSize),
		ingest.WithLogger(e.logger),
		ingest.WithProgress(func(done, total int) {
			e.logger.Debug("embedding progress", zap.Int("done", done), zap.Int("total", total))
		}),
	)
	if err != nil {
		return fmt.Errorf("create builder: %w", err)
	}
	defer builder.Close()

	c, stats, err := builder.Build(ctx, sources)
	if err != nil {
		return fmt.Errorf("build corpus: %w", err)
	}
	if err := corpus.Write(e.dir, c); err != nil {
		return fmt.Errorf("write corpus: %w", err)
	}

	res := BuildResult{
		Status:          "complete",
		Dir:             e.dir,
		Cases:           stats.Cases,
		Skipped:         stats.Skipped,
		Dimensions:      c.Dim(),
		Tokens:          stats.Tokens,
		DurationSeconds: stats.Duration.Seconds(),
	}

	if buildWithIndex && c.Len() > 0 {
		idx, err := hnsw.Build(ctx, c, e.hnswOptions())
		if err != nil {
			return fmt.Errorf("build index: %w", err)
		}
		path := e.indexPath()
		if err := idx.Save(path); err != nil {
			return fmt.Errorf("save index: %w", err)
		}
		res.IndexFile = path
	}

	return outputJSON(res)
}
