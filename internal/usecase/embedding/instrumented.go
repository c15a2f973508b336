// Package embedding wraps the embedding provider with logging, chunking and
// dimension enforcement.
package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Ron111104/LEGALYTICS/internal/domain"
)

// DefaultMaxAPIBatchSize is the largest batch sent in a single API request.
const DefaultMaxAPIBatchSize = 256

// InstrumentedEmbedder wraps Embedder with dimension checks and logging.
// Transport metrics (requests, duration, tokens) are recorded in transport/openai.
type InstrumentedEmbedder struct {
	inner    domain.Embedder
	provider string
	model    string
	dim      int
	logger   *zap.Logger
}

// NewInstrumentedEmbedder wraps an embedder. A positive dim rejects vectors of any
// other length with domain.ErrVectorDimMismatch.
func NewInstrumentedEmbedder(
	inner domain.Embedder, provider, model string,
	dim int, logger *zap.Logger,
) *InstrumentedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstrumentedEmbedder{
		inner:    inner,
		provider: provider,
		model:    model,
		dim:      dim,
		logger:   logger,
	}
}

// Embed delegates to the inner embedder and validates the vector length.
func (p *InstrumentedEmbedder) Embed(
	ctx context.Context, text string,
) (domain.EmbeddingResult, error) {
	start := time.Now()

	result, err := p.inner.Embed(ctx, text)

	duration := time.Since(start)

	if err != nil {
		p.logger.Error("Embedding request failed",
			zap.String("provider", p.provider),
			zap.String("model", p.model),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return domain.EmbeddingResult{}, fmt.Errorf("embed: %w", err)
	}

	if err := p.checkDim(result.Embedding); err != nil {
		return domain.EmbeddingResult{}, err
	}

	p.logger.Debug("Embedding request completed",
		zap.String("provider", p.provider),
		zap.String("model", p.model),
		zap.Duration("duration", duration),
		zap.Int("dimensions", len(result.Embedding)),
		zap.Int("prompt_tokens", result.PromptTokens),
		zap.Int("total_tokens", result.TotalTokens),
	)

	return result, nil
}

// BatchEmbed splits texts into sub-batches and delegates each to inner.
func (p *InstrumentedEmbedder) BatchEmbed(
	ctx context.Context, texts []string,
) (domain.BatchEmbeddingResult, error) {
	if len(texts) == 0 {
		return domain.BatchEmbeddingResult{}, nil
	}

	start := time.Now()

	result, err := p.embedChunked(ctx, texts)
	if err != nil {
		return domain.BatchEmbeddingResult{}, err
	}

	p.logger.Debug("Batch embedding completed",
		zap.String("provider", p.provider),
		zap.String("model", p.model),
		zap.Duration("duration", time.Since(start)),
		zap.Int("batch_size", len(texts)),
		zap.Int("prompt_tokens", result.PromptTokens),
		zap.Int("total_tokens", result.TotalTokens),
	)

	return result, nil
}

// HealthCheck forwards to inner when it supports health checks.
func (p *InstrumentedEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := p.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx) //nolint:wrapcheck // transparent decorator
	}
	return nil
}

// embedChunked splits texts into chunks of DefaultMaxAPIBatchSize.
func (p *InstrumentedEmbedder) embedChunked(
	ctx context.Context, texts []string,
) (domain.BatchEmbeddingResult, error) {
	allEmbeddings := make([][]float32, 0, len(texts))
	var totalPrompt, totalTokens int

	for offset := 0; offset < len(texts); offset += DefaultMaxAPIBatchSize {
		end := min(offset+DefaultMaxAPIBatchSize, len(texts))
		chunk := texts[offset:end]

		chunkResult, err := p.embedInner(ctx, chunk)
		if err != nil {
			p.logger.Error("Batch embedding request failed",
				zap.String("provider", p.provider),
				zap.String("model", p.model),
				zap.Int("chunk_offset", offset),
				zap.Int("chunk_size", len(chunk)),
				zap.Error(err),
			)
			return domain.BatchEmbeddingResult{}, fmt.Errorf("batch embed: %w", err)
		}
		if len(chunkResult.Embeddings) != len(chunk) {
			return domain.BatchEmbeddingResult{}, fmt.Errorf("chunk %d: expected %d embeddings, got %d: %w",
				offset, len(chunk), len(chunkResult.Embeddings), domain.ErrEmbeddingProviderError)
		}
		for _, vec := range chunkResult.Embeddings {
			if err := p.checkDim(vec); err != nil {
				return domain.BatchEmbeddingResult{}, err
			}
		}

		allEmbeddings = append(allEmbeddings, chunkResult.Embeddings...)
		totalPrompt += chunkResult.PromptTokens
		totalTokens += chunkResult.TotalTokens
	}

	return domain.BatchEmbeddingResult{
		Embeddings:   allEmbeddings,
		PromptTokens: totalPrompt,
		TotalTokens:  totalTokens,
	}, nil
}

func (p *InstrumentedEmbedder) embedInner(
	ctx context.Context, texts []string,
) (domain.BatchEmbeddingResult, error) {
	if be, ok := p.inner.(domain.BatchEmbedder); ok {
		res, err := be.BatchEmbed(ctx, texts)
		if err != nil {
			return domain.BatchEmbeddingResult{}, fmt.Errorf("inner batch embed: %w", err)
		}
		return res, nil
	}
	res, err := domain.BatchFallback(ctx, p.inner, texts)
	if err != nil {
		return domain.BatchEmbeddingResult{}, fmt.Errorf("inner batch fallback: %w", err)
	}
	return res, nil
}

func (p *InstrumentedEmbedder) checkDim(vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty embedding vector: %w", domain.ErrEmbeddingProviderError)
	}
	if p.dim > 0 && len(vec) != p.dim {
		return fmt.Errorf("provider %s returned %d dimensions, corpus has %d: %w",
			p.provider, len(vec), p.dim, domain.ErrVectorDimMismatch)
	}
	return nil
}
