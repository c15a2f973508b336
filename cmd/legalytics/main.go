package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Ron111104/LEGALYTICS/internal/config"
	"github.com/Ron111104/LEGALYTICS/internal/corpus"
	"github.com/Ron111104/LEGALYTICS/internal/db"
	dbBadger "github.com/Ron111104/LEGALYTICS/internal/db/badger"
	dbRedis "github.com/Ron111104/LEGALYTICS/internal/db/redis"
	"github.com/Ron111104/LEGALYTICS/internal/domain"
	"github.com/Ron111104/LEGALYTICS/internal/extract"
	"github.com/Ron111104/LEGALYTICS/internal/index"
	"github.com/Ron111104/LEGALYTICS/internal/index/flat"
	"github.com/Ron111104/LEGALYTICS/internal/index/hnsw"
	"github.com/Ron111104/LEGALYTICS/internal/index/valkey"
	logpkg "github.com/Ron111104/LEGALYTICS/internal/logger"
	"github.com/Ron111104/LEGALYTICS/internal/metrics"
	"github.com/Ron111104/LEGALYTICS/internal/rank"
	"github.com/Ron111104/LEGALYTICS/internal/repository/embcache"
	chiTransport "github.com/Ron111104/LEGALYTICS/internal/transport/chi"
	openaiEmb "github.com/Ron111104/LEGALYTICS/internal/transport/openai"
	embeddinguc "github.com/Ron111104/LEGALYTICS/internal/usecase/embedding"
	healthuc "github.com/Ron111104/LEGALYTICS/internal/usecase/health"
	searchuc "github.com/Ron111104/LEGALYTICS/internal/usecase/search"
	"github.com/Ron111104/LEGALYTICS/internal/version"
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Legalytics API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("index_driver", cfg.Index.Driver),
		zap.String("cache_driver", cfg.Cache.Driver),
	)

	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterSearchMetrics()

	ctx := context.Background()

	// Corpus: ids, texts and embeddings load together or not at all
	loadStart := time.Now()
	c, err := corpus.Load(ctx, corpusPaths(cfg.Corpus))
	if err != nil {
		logger.Fatal("Failed to load corpus", zap.Error(err), zap.String("dir", cfg.Corpus.Dir))
	}
	metrics.SetCorpus(c.Len(), c.Dim())
	logger.Info("Corpus loaded",
		zap.Int("cases", c.Len()),
		zap.Int("dimensions", c.Dim()),
		zap.Duration("took", time.Since(loadStart)),
	)

	// Valkey is shared by the valkey index and the valkey cache
	var store *dbRedis.Store
	if cfg.UsesValkey() {
		store, err = dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Database.Addrs,
			Password: cfg.Database.Password,
		})
		if err != nil {
			logger.Fatal("Failed to create database store", zap.Error(err))
		}
		defer store.Close()

		if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
			logger.Fatal("Database not ready", zap.Error(err))
		}
		logger.Info("Connected to database", zap.Strings("addrs", cfg.Database.Addrs))
	}

	idx, err := buildIndex(ctx, cfg, c, store, logger)
	if err != nil {
		logger.Fatal("Failed to build vector index", zap.Error(err))
	}

	ranker, err := rank.New(c, rank.Options{
		Scope:        rank.Scope(cfg.Search.RankScope),
		PreviewRunes: cfg.Search.PreviewRunes,
	})
	if err != nil {
		logger.Fatal("Failed to create ranker", zap.Error(err))
	}
	engine, err := searchuc.NewEngine(c, idx, ranker, cfg.Search.CandidateK)
	if err != nil {
		logger.Fatal("Index does not match corpus", zap.Error(err))
	}

	var cache db.KVStore
	switch cfg.Cache.Driver {
	case config.CacheDriverValkey:
		cache = store
	case config.CacheDriverBadger:
		bs, err := dbBadger.Open(dbBadger.Config{Path: cfg.Cache.BadgerPath, Logger: logger})
		if err != nil {
			logger.Fatal("Failed to open embedding cache", zap.Error(err))
		}
		defer func() { _ = bs.Close() }()
		cache = bs
	}

	embedder := buildEmbedder(cfg, c.Dim(), cache, logger)
	logger.Info("Embedder created",
		zap.String("provider", cfg.Embedding.Provider),
		zap.String("model", cfg.Embedding.Model),
		zap.Int("dimensions", c.Dim()),
	)

	searchSvc, err := searchuc.New(engine, extract.NewPDF(extract.Options{
		MaxPages:     cfg.Extract.MaxPages,
		JudgmentOnly: cfg.Extract.JudgmentOnly,
	}), embedder, searchuc.Config{
		DefaultTopK:   cfg.Search.DefaultTopK,
		MaxTopK:       cfg.Search.MaxTopK,
		MaxQueryChars: cfg.Search.MaxQueryChars,
		Timeout:       time.Duration(cfg.Search.TimeoutSec) * time.Second,
		Workers:       cfg.Search.Workers,
		Queue:         cfg.Search.Queue,
	})
	if err != nil {
		logger.Fatal("Failed to create search service", zap.Error(err))
	}
	defer searchSvc.Close()

	deps := healthuc.Deps{Corpus: c, Index: idx, Embedding: newEmbeddingHealthChecker(embedder)}
	if store != nil {
		deps.Database = store
	}
	if cache != nil {
		deps.Cache = cache
	}
	healthSvc := healthuc.New(deps, 5*time.Second)

	server := chiTransport.NewServer(searchSvc, healthSvc, logger, chiTransport.Options{
		MaxUploadBytes: int64(cfg.HTTP.MaxUploadMB) << 20,
	})

	r := chi.NewRouter()
	r.Use(chiTransport.JSONRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(chiTransport.WideEvent(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Result-Count", "X-Embedding-Tokens"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(chiTransport.NewRateLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst).Middleware)
	r.Use(metrics.Middleware())
	server.Mount(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// embeddingHealthChecker wraps domain.Embedder to implement health.EmbeddingChecker.
type embeddingHealthChecker struct {
	embedder domain.Embedder
}

func newEmbeddingHealthChecker(embedder domain.Embedder) *embeddingHealthChecker {
	return &embeddingHealthChecker{embedder: embedder}
}

func (h *embeddingHealthChecker) HealthCheck(ctx context.Context) error {
	if hc, ok := h.embedder.(domain.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("embedding health check: %w", err)
		}
	}
	return nil
}

func corpusPaths(cc config.CorpusConfig) corpus.Paths {
	return corpus.Paths{
		IDs:        filepath.Join(cc.Dir, cc.IDsFile),
		Texts:      filepath.Join(cc.Dir, cc.TextsFile),
		Embeddings: filepath.Join(cc.Dir, cc.EmbeddingsFile),
	}
}

// buildIndex constructs the configured nearest-neighbour index over c.
func buildIndex(
	ctx context.Context, cfg config.Config, c *corpus.Corpus, store *dbRedis.Store, logger *zap.Logger,
) (index.Index, error) {
	start := time.Now()
	defer func() {
		logger.Info("Vector index ready",
			zap.String("driver", cfg.Index.Driver),
			zap.Duration("took", time.Since(start)),
		)
	}()

	switch cfg.Index.Driver {
	case config.IndexDriverFlat:
		return flat.Build(c), nil

	case config.IndexDriverValkey:
		return valkey.Build(ctx, store, c, valkey.Options{
			M:              cfg.Index.M,
			EfConstruction: cfg.Index.EFConstruction,
			EfSearch:       cfg.Index.EFSearch,
			BatchSize:      cfg.Index.ValkeyBatchSize,
			Logger:         logger,
		})

	default:
		opts := hnsw.Options{
			M:        cfg.Index.M,
			Ml:       cfg.Index.Ml,
			EfSearch: cfg.Index.EFSearch,
			Seed:     cfg.Index.Seed,
			MaxK:     cfg.Search.CandidateK,
		}
		path := ""
		if cfg.Corpus.IndexFile != "" {
			path = filepath.Join(cfg.Corpus.Dir, cfg.Corpus.IndexFile)
		}
		if !cfg.Index.BuildIfMissing {
			if path == "" {
				return nil, fmt.Errorf("%w: no index file configured and build_if_missing is off", domain.ErrIndexLoad)
			}
			return hnsw.Load(path, c, opts)
		}

		x, loaded, err := hnsw.LoadOrBuild(ctx, path, c, opts)
		if err != nil {
			return nil, err
		}
		if !loaded && cfg.Index.PersistOnBuild && path != "" {
			if err := x.Save(path); err != nil {
				logger.Warn("Failed to persist built index", zap.Error(err), zap.String("path", path))
			} else {
				logger.Info("Persisted built index", zap.String("path", path))
			}
		}
		return x, nil
	}
}

// buildEmbedder assembles the decorator chain:
// OpenAI -> Normalizing -> Instrumented -> Cached -> Instruction.
func buildEmbedder(cfg config.Config, dim int, cache db.KVStore, logger *zap.Logger) domain.Embedder {
	ec := cfg.Embedding

	base := openaiEmb.NewEmbedder(&openaiEmb.Config{
		APIKey:     ec.APIKey,
		BaseURL:    ec.BaseURL,
		Model:      ec.Model,
		Dimensions: ec.Dimensions,
		Provider:   ec.Provider,
		Timeout:    time.Duration(ec.TimeoutSec) * time.Second,
		Logger:     logger,
	})

	var embedder domain.Embedder = domain.NewNormalizingEmbedder(base)

	// Instrumented (metrics + dimension guard against the corpus)
	embedder = embeddinguc.NewInstrumentedEmbedder(embedder, ec.Provider, ec.Model, dim, logger)

	if cache != nil {
		embedder = embcache.New(embedder, cache, embcache.Options{
			Namespace:  fmt.Sprintf("%s:%s:%d", ec.Provider, ec.Model, dim),
			TTL:        time.Duration(cfg.Cache.TTLHours) * time.Hour,
			CacheTotal: metrics.EmbeddingCacheTotal,
		}, logger)
	}

	// Instruction prefix (outermost, so the cache key includes it)
	if ec.QueryInstruction != "" {
		return domain.NewInstructionEmbedder(embedder, ec.QueryInstruction)
	}
	return embedder
}
