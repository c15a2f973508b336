// Package index defines the approximate nearest-neighbour contract shared by the
// in-process HNSW graph, the exact flat scan and the Valkey search backend.
//
// An Index is built once over the corpus embeddings and is read-only afterwards;
// Query is safe for concurrent use.
package index

import (
	"context"
	"fmt"

	"github.com/Ron111104/LEGALYTICS/internal/domain"
)

// Driver names accepted in configuration.
const (
	DriverHNSW   = "hnsw"
	DriverFlat   = "flat"
	DriverValkey = "valkey"
)

// Candidate is a corpus row returned by an index query. Distance is backend
// specific (cosine distance for all bundled backends) and is never shown to callers.
type Candidate struct {
	Row      int
	Distance float32
}

// Index answers top-k nearest neighbour queries over corpus rows.
type Index interface {
	// Query returns at most k candidates ordered nearest first. An empty index
	// yields an empty slice, never an error.
	Query(ctx context.Context, vec []float32, k int) ([]Candidate, error)
	// Len is the number of indexed rows.
	Len() int
	// Dim is the vector dimension (0 when empty).
	Dim() int
}

// CheckQuery validates a query vector against the index dimension. It reports
// done=true when the query trivially has no results (empty index or k <= 0).
func CheckQuery(idx Index, vec []float32, k int) (done bool, err error) {
	if idx.Len() == 0 || k <= 0 {
		return true, nil
	}
	if len(vec) != idx.Dim() {
		return true, fmt.Errorf("%w: query has %d dimensions, index has %d",
			domain.ErrVectorDimMismatch, len(vec), idx.Dim())
	}
	return false, nil
}
