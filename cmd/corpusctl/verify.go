package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ron111104/LEGALYTICS/internal/corpus"
	"github.com/Ron111104/LEGALYTICS/internal/index"
	"github.com/Ron111104/LEGALYTICS/internal/index/flat"
	"github.com/Ron111104/LEGALYTICS/internal/index/hnsw"
	"github.com/Ron111104/LEGALYTICS/internal/rank"
	"github.com/Ron111104/LEGALYTICS/internal/usecase/ingest"
	searchuc "github.com/Ron111104/LEGALYTICS/internal/usecase/search"
)

var (
	verifySample  int
	verifyK       int
	verifyReembed bool
	verifyExact   bool
	verifyMinRate float64
)

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().IntVar(&verifySample, "sample", 200, "cases to check, spread over the corpus (0 = all)")
	verifyCmd.Flags().IntVar(&verifyK, "k", rank.DefaultK, "result depth counted as a hit")
	verifyCmd.Flags().BoolVar(&verifyReembed, "reembed", false, "query with freshly embedded case text instead of the stored vectors")
	verifyCmd.Flags().BoolVar(&verifyExact, "exact", false, "use the exhaustive index instead of HNSW")
	verifyCmd.Flags().Float64Var(&verifyMinRate, "min-rate", 0, "exit with a non-zero code when the top-k hit rate is lower")
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check artifact alignment and self-retrieval",
	Long: `Loads the corpus artifacts (failing on any misalignment), builds the index and
queries it with sampled cases. Each case should retrieve itself. With --reembed
the case text goes through the embedding provider, which checks that the stored
vectors were produced by the configured model.`,
	RunE: runVerify,
}

// VerifyResult is printed by the verify command.
type VerifyResult struct {
	Status     string   `json:"status"`
	Cases      int      `json:"cases"`
	Dimensions int      `json:"dimensions"`
	Index      string   `json:"index"`
	Reembedded bool     `json:"reembedded"`
	Checked    int      `json:"checked"`
	K          int      `json:"k"`
	Top1Rate   float64  `json:"top1_rate"`
	TopKRate   float64  `json:"topk_rate"`
	Misses     []string `json:"misses,omitempty"`
}

func runVerify(cmd *cobra.Command, _ []string) error {
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

	var (
		idx  index.Index
		kind = "flat"
	)
	if verifyExact {
		idx = flat.Build(c)
	} else {
		kind = "hnsw"
		x, loaded, err := hnsw.LoadOrBuild(ctx, e.indexPath(), c, e.hnswOptions())
		if err != nil {
			return fmt.Errorf("index: %w", err)
		}
		e.logger.Info("HNSW index ready", zap.Bool("imported", loaded))
		idx = x
	}

	ranker, err := rank.New(c, rank.Options{Scope: rank.Scope(e.cfg.Search.RankScope)})
	if err != nil {
		return fmt.Errorf("ranker: %w", err)
	}
	engine, err := searchuc.NewEngine(c, idx, ranker, e.cfg.Search.CandidateK)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	opts := ingest.VerifyOptions{Sample: verifySample, K: verifyK}
	if verifyReembed {
		opts.Embedder = e.queryEmbedder(c.Dim())
	}
	rep, err := ingest.Verify(ctx, engine, opts)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	res := VerifyResult{
		Status:     "ok",
		Cases:      c.Len(),
		Dimensions: c.Dim(),
		Index:      kind,
		Reembedded: verifyReembed,
		Checked:    rep.Checked,
		K:          rep.K,
		Top1Rate:   rep.Top1Rate(),
		TopKRate:   rep.TopKRate(),
		Misses:     rep.Misses,
	}
	below := verifyMinRate > 0 && rep.TopKRate() < verifyMinRate
	if below {
		res.Status = "below_target"
	}
	if err := outputJSON(res); err != nil {
		return err
	}
	if below {
		os.Exit(ExitBelowTarget)
	}
	return nil
}
