package search

import (
	"context"
	"io"

	"github.com/Ron111104/LEGALYTICS/internal/domain"
)

// Extractor turns an uploaded document into plain text.
type Extractor interface {
	Extract(ctx context.Context, r io.ReaderAt, size int64) (string, error)
}

// Embedder vectorizes query text into the corpus embedding space.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.EmbeddingResult, error)
}
