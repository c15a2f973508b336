package search

import (
	"context"
	"fmt"

	"github.com/Ron111104/LEGALYTICS/internal/corpus"
	"github.com/Ron111104/LEGALYTICS/internal/domain"
	"github.com/Ron111104/LEGALYTICS/internal/index"
	"github.com/Ron111104/LEGALYTICS/internal/metrics"
	"github.com/Ron111104/LEGALYTICS/internal/rank"
)

// Engine bundles the read-only retrieval state built once at startup: the
// corpus, the approximate index over its embeddings and the exact ranker.
// It is safe for concurrent use.
type Engine struct {
	corpus     *corpus.Corpus
	index      index.Index
	ranker     *rank.Ranker
	candidateK int
}

// NewEngine validates that idx covers exactly the corpus rows. candidateK is
// the number of index candidates fetched before exact re-ranking; it is raised
// to k per query when smaller.
func NewEngine(c *corpus.Corpus, idx index.Index, r *rank.Ranker, candidateK int) (*Engine, error) {
	if idx.Len() != c.Len() {
		return nil, fmt.Errorf("%w: index holds %d rows, corpus has %d", domain.ErrIndexLoad, idx.Len(), c.Len())
	}
	if c.Len() > 0 && idx.Dim() != c.Dim() {
		return nil, fmt.Errorf("%w: index dimension %d, corpus dimension %d",
			domain.ErrIndexLoad, idx.Dim(), c.Dim())
	}
	if candidateK <= 0 {
		candidateK = rank.DefaultK
	}
	return &Engine{corpus: c, index: idx, ranker: r, candidateK: candidateK}, nil
}

// Corpus returns the loaded corpus.
func (e *Engine) Corpus() *corpus.Corpus { return e.corpus }

// Index returns the vector index.
func (e *Engine) Index() index.Index { return e.index }

// Retrieve returns up to k ranked cases for a query vector. An empty result is
// not an error here; the service decides how to report it.
func (e *Engine) Retrieve(ctx context.Context, vec []float32, k int) ([]rank.Result, error) {
	if k <= 0 {
		k = rank.DefaultK
	}
	if e.corpus.Len() > 0 && len(vec) != e.corpus.Dim() {
		return nil, fmt.Errorf("%w: query has %d dimensions, corpus has %d",
			domain.ErrVectorDimMismatch, len(vec), e.corpus.Dim())
	}

	cands, err := e.index.Query(ctx, vec, max(e.candidateK, k))
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	metrics.SearchCandidates.Observe(float64(len(cands)))

	results, err := e.ranker.Rank(vec, cands, k)
	if err != nil {
		return nil, fmt.Errorf("rank candidates: %w", err)
	}
	return results, nil
}
