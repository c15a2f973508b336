package domain

import (
	"errors"
)

var (
	// ErrNoInput signals a search request without a file or text (or with both).
	ErrNoInput = errors.New("no input provided")
	// ErrUnsupportedFileType signals an uploaded file that is not a PDF.
	ErrUnsupportedFileType = errors.New("unsupported file type")
	// ErrExtractionEmpty signals that text extraction produced nothing usable.
	ErrExtractionEmpty = errors.New("extracted text is empty")
	// ErrNoResults signals a search that found no similar cases.
	ErrNoResults = errors.New("no similar cases found")

	// ErrCorpusLoad signals missing, unreadable, or misaligned corpus artifacts.
	ErrCorpusLoad = errors.New("corpus load failed")
	// ErrIndexLoad signals a vector index that cannot be built or does not match the corpus.
	ErrIndexLoad = errors.New("vector index load failed")
	// ErrVectorDimMismatch signals a vector dimension mismatch.
	ErrVectorDimMismatch = errors.New("vector dimension mismatch")

	// ErrRateLimited signals a rate limit hit.
	ErrRateLimited = errors.New("rate limited")
	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
	// ErrSearchTimeout signals a search that did not finish within its deadline.
	ErrSearchTimeout = errors.New("search timed out")
	// ErrOverloaded signals a search turned away because every worker stayed busy.
	ErrOverloaded = errors.New("search workers overloaded")
)
