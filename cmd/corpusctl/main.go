// Command corpusctl builds and checks the Legalytics corpus artifacts.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ron111104/LEGALYTICS/internal/config"
	"github.com/Ron111104/LEGALYTICS/internal/corpus"
	"github.com/Ron111104/LEGALYTICS/internal/domain"
	"github.com/Ron111104/LEGALYTICS/internal/index/hnsw"
	logpkg "github.com/Ron111104/LEGALYTICS/internal/logger"
	"github.com/Ron111104/LEGALYTICS/internal/metrics"
	openaiEmb "github.com/Ron111104/LEGALYTICS/internal/transport/openai"
	embeddinguc "github.com/Ron111104/LEGALYTICS/internal/usecase/embedding"
	"github.com/Ron111104/LEGALYTICS/internal/version"
)

// Exit codes.
const (
	ExitSuccess     = 0
	ExitError       = 1
	ExitConfigError = 2
	ExitBelowTarget = 3 // verify hit rate under --min-rate
)

var (
	envName   string
	corpusDir string
)

var rootCmd = &cobra.Command{
	Use:   "corpusctl",
	Short: "Build and verify Legalytics corpus artifacts",
	Long: `corpusctl manages the precomputed artifacts the Legalytics API loads at startup:
case_ids.json, case_texts.json, case_embeddings.bin and the optional case_index.hnsw.

Settings come from config/<env>.yaml, the same file the API server reads.
Results are printed as JSON on stdout; logs go to stderr.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envName, "env", "", "config environment (default: $ENV or local)")
	rootCmd.PersistentFlags().StringVar(&corpusDir, "dir", "", "corpus directory (default: corpus.dir from config)")
	rootCmd.Version = version.String()
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(ExitError)
	}
}

// env bundles what every subcommand needs.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	dir    string
}

func mustSetup() env {
	name := envName
	if name == "" {
		name = config.GetEnv()
	}
	cfg, err := config.Load(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(ExitConfigError)
	}
	logger, err := logpkg.NewLogger(name, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(ExitConfigError)
	}
	dir := corpusDir
	if dir == "" {
		dir = cfg.Corpus.Dir
	}
	return env{cfg: cfg, logger: logger, dir: dir}
}

func (e env) paths() corpus.Paths {
	return corpus.Paths{
		IDs:        filepath.Join(e.dir, e.cfg.Corpus.IDsFile),
		Texts:      filepath.Join(e.dir, e.cfg.Corpus.TextsFile),
		Embeddings: filepath.Join(e.dir, e.cfg.Corpus.EmbeddingsFile),
	}
}

func (e env) indexPath() string {
	return filepath.Join(e.dir, e.cfg.Corpus.IndexFile)
}

func (e env) hnswOptions() hnsw.Options {
	return hnsw.Options{
		M:        e.cfg.Index.M,
		Ml:       e.cfg.Index.Ml,
		EfSearch: e.cfg.Index.EFSearch,
		Seed:     e.cfg.Index.Seed,
		MaxK:     e.cfg.Search.CandidateK,
	}
}

// embedder builds OpenAI -> Normalizing -> Instrumented. dim 0 accepts any length.
func (e env) embedder(dim int, instruction string) domain.Embedder {
	ec := e.cfg.Embedding
	metrics.RegisterEmbeddingMetrics()

	var emb domain.Embedder = domain.NewNormalizingEmbedder(openaiEmb.NewEmbedder(&openaiEmb.Config{
		APIKey:     ec.APIKey,
		BaseURL:    ec.BaseURL,
		Model:      ec.Model,
		Dimensions: ec.Dimensions,
		Provider:   ec.Provider,
		Timeout:    time.Duration(ec.TimeoutSec) * time.Second,
		Logger:     e.logger,
	}))
	emb = embeddinguc.NewInstrumentedEmbedder(emb, ec.Provider, ec.Model, dim, e.logger)
	if instruction != "" {
		return domain.NewInstructionEmbedder(emb, instruction)
	}
	return emb
}

// queryEmbedder embeds text the way the server embeds a search query.
func (e env) queryEmbedder(dim int) domain.Embedder {
	return e.embedder(dim, e.cfg.Embedding.QueryInstruction)
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v) //nolint:wrapcheck // stdout
}
