// Package ingest turns raw judgments into corpus artifacts: it reads JSONL
// sources, embeds them on a bounded worker pool and assembles the aligned corpus.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/Ron111104/LEGALYTICS/internal/corpus"
	"github.com/Ron111104/LEGALYTICS/internal/domain"
)

const (
	// DefaultBatchSize is the number of texts sent per embedding call.
	DefaultBatchSize = 64
	maxLineBytes     = 64 << 20
)

var (
	errMissingID   = errors.New("missing id")
	errDuplicateID = errors.New("duplicate id")
)

// Source is one judgment as read from the input file.
type Source struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ReadJSONL reads one {"id","text"} object per line. Blank lines are ignored.
func ReadJSONL(r io.Reader) ([]Source, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), maxLineBytes)

	var out []Source
	seen := make(map[string]int)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var s Source
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, fmt.Errorf("line %d: %w", line, errMissingID)
		}
		if prev, ok := seen[s.ID]; ok {
			return nil, fmt.Errorf("line %d: %w %q (first on line %d)", line, errDuplicateID, s.ID, prev)
		}
		seen[s.ID] = line
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}
	return out, nil
}

// Stats summarizes a build.
type Stats struct {
	Cases    int
	Skipped  int
	Batches  int
	Tokens   int
	Duration time.Duration
}

// ProgressFunc is called after each embedded batch with the number of texts done.
type ProgressFunc func(done, total int)

// Builder embeds sources and assembles a corpus.
type Builder struct {
	embedder  domain.Embedder
	pool      *ants.Pool
	batchSize int
	progress  ProgressFunc
	logger    *zap.Logger
}

// Option configures a Builder.
type Option func(*Builder) error

// WithPoolSize sets the number of concurrent embedding calls.
func WithPoolSize(size int) Option {
	return func(b *Builder) error {
		if size < 1 {
			return fmt.Errorf("pool size must be positive, got %d", size)
		}
		b.pool.Release()
		pool, err := ants.NewPool(size)
		if err != nil {
			return fmt.Errorf("create embedding pool: %w", err)
		}
		b.pool = pool
		return nil
	}
}

// WithBatchSize sets the number of texts per embedding call.
func WithBatchSize(n int) Option {
	return func(b *Builder) error {
		if n < 1 {
			return fmt.Errorf("batch size must be positive, got %d", n)
		}
		b.batchSize = n
		return nil
	}
}

// WithProgress installs a progress callback. It may be called concurrently.
func WithProgress(fn ProgressFunc) Option {
	return func(b *Builder) error {
		b.progress = fn
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) error {
		if l != nil {
			b.logger = l
		}
		return nil
	}
}

// NewBuilder creates a builder. The default pool size is half the CPUs, at least one.
func NewBuilder(embedder domain.Embedder, opts ...Option) (*Builder, error) {
	poolSize := max(runtime.NumCPU()/2, 1)
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding pool: %w", err)
	}
	b := &Builder{
		embedder:  embedder,
		pool:      pool,
		batchSize: DefaultBatchSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			b.pool.Release()
			return nil, err
		}
	}
	return b, nil
}

// Close releases the worker pool.
func (b *Builder) Close() {
	b.pool.Release()
}

// Build embeds every source with non-blank text and returns the corpus in
// source order. The first embedding failure cancels the remaining batches.
func (b *Builder) Build(ctx context.Context, sources []Source) (*corpus.Corpus, Stats, error) {
	start := time.Now()
	var stats Stats

	kept := make([]Source, 0, len(sources))
	for _, s := range sources {
		if strings.TrimSpace(s.Text) == "" {
			stats.Skipped++
			b.logger.Warn("skipping case without text", zap.String("case_id", s.ID))
			continue
		}
		kept = append(kept, s)
	}

	vectors := make([][]float32, len(kept))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
		done     atomic.Int64
		tokens   atomic.Int64
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for lo := 0; lo < len(kept); lo += b.batchSize {
		if ctx.Err() != nil {
			break
		}
		hi := min(lo+b.batchSize, len(kept))
		stats.Batches++

		wg.Add(1)
		err := b.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			texts := make([]string, hi-lo)
			for i := range texts {
				texts[i] = kept[lo+i].Text
			}
			res, err := b.embed(ctx, texts)
			if err != nil {
				fail(fmt.Errorf("embed cases %q..%q: %w", kept[lo].ID, kept[hi-1].ID, err))
				return
			}
			if len(res.Embeddings) != len(texts) {
				fail(fmt.Errorf("embed cases %q..%q: got %d vectors for %d texts",
					kept[lo].ID, kept[hi-1].ID, len(res.Embeddings), len(texts)))
				return
			}
			copy(vectors[lo:hi], res.Embeddings)
			tokens.Add(int64(res.TotalTokens))
			n := done.Add(int64(len(texts)))
			if b.progress != nil {
				b.progress(int(n), len(kept))
			}
		})
		if err != nil {
			wg.Done()
			fail(fmt.Errorf("submit batch: %w", err))
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, stats, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, stats, err //nolint:wrapcheck // caller cancellation
	}

	records := make([]corpus.Record, len(kept))
	for i, s := range kept {
		records[i] = corpus.Record{ID: s.ID, Text: s.Text, Embedding: vectors[i]}
	}
	c, err := corpus.New(records)
	if err != nil {
		return nil, stats, fmt.Errorf("assemble corpus: %w", err)
	}

	stats.Cases = c.Len()
	stats.Tokens = int(tokens.Load())
	stats.Duration = time.Since(start)
	b.logger.Info("corpus embedded",
		zap.Int("cases", stats.Cases),
		zap.Int("skipped", stats.Skipped),
		zap.Int("batches", stats.Batches),
		zap.Int("tokens", stats.Tokens),
		zap.Duration("took", stats.Duration),
	)
	return c, stats, nil
}

func (b *Builder) embed(ctx context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	if be, ok := b.embedder.(domain.BatchEmbedder); ok {
		return be.BatchEmbed(ctx, texts) //nolint:wrapcheck // wrapped by the caller
	}
	return domain.BatchFallback(ctx, b.embedder, texts)
}
