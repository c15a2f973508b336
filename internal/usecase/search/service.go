// Package search runs a case-retrieval request from raw input (PDF or text)
// to a ranked list of similar cases.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Ron111104/LEGALYTICS/internal/domain"
	"github.com/Ron111104/LEGALYTICS/internal/extract"
	"github.com/Ron111104/LEGALYTICS/internal/logger"
	"github.com/Ron111104/LEGALYTICS/internal/rank"
)

const sniffLen = 1024

var errQueueFull = errors.New("search queue is full")

// Upload is an uploaded query document.
type Upload struct {
	Name string
	Size int64
	Body io.ReaderAt
}

// Request is one search. Exactly one of File and Text must carry input;
// whitespace-only Text counts as absent.
type Request struct {
	File *Upload
	Text string
	// TopK is the number of results wanted; 0 uses the configured default.
	TopK int
}

// Config tunes the service.
type Config struct {
	DefaultTopK   int
	MaxTopK       int
	MaxQueryChars int
	Timeout       time.Duration
	// Workers bounds the searches running at once.
	Workers int
	// Queue bounds the searches waiting for a worker; 0 allows four per worker.
	Queue int
}

// Service handles retrieval requests.
type Service struct {
	engine    *Engine
	extractor Extractor
	embedder  Embedder
	pool      *ants.Pool
	slots     *semaphore.Weighted
	waiting   atomic.Int64
	cfg       Config
}

// New creates a search service with its own bounded worker pool. Call Close to
// release the pool.
//
// A search waits for a free worker no longer than its timeout. When Queue
// searches are already waiting, or the wait runs out, it fails with
// domain.ErrOverloaded without running.
func New(engine *Engine, extractor Extractor, embedder Embedder, cfg Config) (*Service, error) {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = rank.DefaultK
	}
	if cfg.MaxTopK < cfg.DefaultTopK {
		cfg.MaxTopK = cfg.DefaultTopK
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Queue <= 0 {
		cfg.Queue = cfg.Workers * 4
	}

	// Slots gate admission. The pool holds twice as many workers so a worker
	// still returning to the pool never turns the next search away.
	pool, err := ants.NewPool(cfg.Workers*2, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Service{
		engine:    engine,
		extractor: extractor,
		embedder:  embedder,
		pool:      pool,
		slots:     semaphore.NewWeighted(int64(cfg.Workers)),
		cfg:       cfg,
	}, nil
}

// Close releases the worker pool.
func (s *Service) Close() {
	s.pool.Release()
}

// Engine returns the retrieval engine.
func (s *Service) Engine() *Engine { return s.engine }

// Search runs the request through the retrieval lifecycle. Failures are
// returned as *Error.
func (s *Service) Search(ctx context.Context, req Request) ([]rank.Result, error) {
	r := newRun(logger.FromContext(ctx))

	text, file, serr := s.acceptInput(req, r)
	if serr != nil {
		return nil, r.fail(serr)
	}
	k := s.topK(req.TopK)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type outcome struct {
		results []rank.Result
		err     *Error
	}
	done := make(chan outcome, 1)

	if err := s.acquire(ctx); err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, s.interrupted(ctx, r)
		}
		return nil, r.fail(newError(KindInternal, MsgOverloaded,
			fmt.Errorf("%w: waiting for a worker: %w", domain.ErrOverloaded, err)))
	}
	if err := s.pool.Submit(func() {
		defer s.slots.Release(1)
		results, err := s.pipeline(ctx, r, text, file, k)
		done <- outcome{results, err}
	}); err != nil {
		s.slots.Release(1)
		return nil, r.fail(newError(KindInternal, MsgOverloaded,
			fmt.Errorf("%w: submit search: %w", domain.ErrOverloaded, err)))
	}

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		return o.results, nil
	case <-ctx.Done():
		// the pipeline observes ctx and finishes on its own; its result is dropped
		return nil, s.interrupted(ctx, r)
	}
}

// acquire takes a worker slot, waiting while ctx allows.
func (s *Service) acquire(ctx context.Context) error {
	if s.slots.TryAcquire(1) {
		return nil
	}
	defer s.waiting.Add(-1)
	if s.waiting.Add(1) > int64(s.cfg.Queue) {
		return errQueueFull
	}
	return s.slots.Acquire(ctx, 1)
}

// acceptInput is the AwaitingInput step. It returns the raw text or the PDF to extract.
func (s *Service) acceptInput(req Request, r *run) (string, *Upload, *Error) {
	text := strings.TrimSpace(req.Text)
	hasText := text != ""
	hasFile := req.File != nil && req.File.Body != nil

	switch {
	case hasText && hasFile:
		r.input = inputBoth
		return "", nil, newError(KindNoInput, MsgBothInputs, domain.ErrNoInput)
	case hasFile:
		r.input = inputFile
		head := make([]byte, max(0, min(int64(sniffLen), req.File.Size)))
		n, err := req.File.Body.ReadAt(head, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", nil, newError(KindInternal, MsgInternal, fmt.Errorf("read upload: %w", err))
		}
		if !extract.IsPDF(head[:n]) {
			return "", nil, newError(KindNoInput, MsgUnsupportedFile, domain.ErrUnsupportedFileType)
		}
		return "", req.File, nil
	case hasText:
		r.input = inputText
		return text, nil, nil
	default:
		return "", nil, newError(KindNoInput, MsgNoInput, domain.ErrNoInput)
	}
}

func (s *Service) pipeline(ctx context.Context, r *run, text string, file *Upload, k int) ([]rank.Result, *Error) {
	if file != nil {
		extracted, err := s.extractor.Extract(ctx, file.Body, file.Size)
		switch {
		case ctx.Err() != nil:
			return nil, s.interrupted(ctx, r)
		case errors.Is(err, domain.ErrExtractionEmpty):
			return nil, r.fail(newError(KindExtractionEmpty, MsgExtractionEmpty, err))
		case err != nil:
			return nil, r.fail(newError(KindInternal, MsgInternal, fmt.Errorf("extract %q: %w", file.Name, err)))
		case strings.TrimSpace(extracted) == "":
			return nil, r.fail(newError(KindExtractionEmpty, MsgExtractionEmpty, domain.ErrExtractionEmpty))
		}
		text = extracted
	}
	text = truncateRunes(text, s.cfg.MaxQueryChars)
	r.advance(TextAcquired)

	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, s.interrupted(ctx, r)
		}
		if !errors.Is(err, domain.ErrEmbeddingProviderError) {
			err = fmt.Errorf("%w: %w", domain.ErrEmbeddingProviderError, err)
		}
		return nil, r.fail(newError(KindInternal, MsgInternal, fmt.Errorf("embed query: %w", err)))
	}
	domain.UsageFromContext(ctx).AddTokens(emb.TotalTokens)
	r.advance(Embedded)

	results, err := s.engine.Retrieve(ctx, emb.Embedding, k)
	if err != nil {
		if ctx.Err() != nil {
			return nil, s.interrupted(ctx, r)
		}
		return nil, r.fail(newError(KindInternal, MsgInternal, err))
	}
	r.advance(Searched)

	if len(results) == 0 {
		return nil, r.fail(newError(KindNoResults, MsgNoResults, domain.ErrNoResults))
	}

	r.log.Debug("search completed",
		zap.Int("results", len(results)),
		zap.Int("query_runes", utf8.RuneCountInString(text)),
		zap.Int("prompt_tokens", emb.PromptTokens),
	)
	r.advance(Responded)
	return results, nil
}

// interrupted reports a deadline or caller cancellation.
func (s *Service) interrupted(ctx context.Context, r *run) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return r.fail(newError(KindInternal, MsgTimeout,
			fmt.Errorf("%w after %s", domain.ErrSearchTimeout, s.cfg.Timeout)))
	}
	return r.fail(newError(KindInternal, MsgInternal, ctx.Err()))
}

func (s *Service) topK(requested int) int {
	if requested <= 0 {
		return s.cfg.DefaultTopK
	}
	return min(requested, s.cfg.MaxTopK)
}

// truncateRunes keeps at most n runes of s; n <= 0 keeps everything.
func truncateRunes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
