// Package flat is an exact brute-force index. It scans every row and is the
// reference backend for tests and small corpora.
package flat

import (
	"cmp"
	"context"
	"math"
	"slices"

	"github.com/Ron111104/LEGALYTICS/internal/corpus"
	"github.com/Ron111104/LEGALYTICS/internal/index"
)

var _ index.Index = (*Index)(nil)

// Index holds a reference to the corpus matrix and its row norms.
type Index struct {
	m     corpus.Matrix
	norms []float64
}

// Build precomputes row norms over the corpus matrix.
func Build(c *corpus.Corpus) *Index {
	m := c.Matrix()
	norms := make([]float64, m.Rows)
	for i := range norms {
		norms[i] = norm(m.Row(i))
	}
	return &Index{m: m, norms: norms}
}

// Len returns the number of rows.
func (x *Index) Len() int { return x.m.Rows }

// Dim returns the vector dimension.
func (x *Index) Dim() int { return x.m.Dim }

// Query scores every row by cosine distance and returns the k closest.
// Ties keep row order.
func (x *Index) Query(ctx context.Context, vec []float32, k int) ([]index.Candidate, error) {
	done, err := index.CheckQuery(x, vec, k)
	if err != nil {
		return nil, err
	}
	if done {
		return []index.Candidate{}, nil
	}

	qn := norm(vec)
	out := make([]index.Candidate, x.m.Rows)
	for i := range out {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err //nolint:wrapcheck // context cancellation
			}
		}
		out[i] = index.Candidate{Row: i, Distance: float32(1 - cosine(vec, x.m.Row(i), qn, x.norms[i]))}
	}

	slices.SortStableFunc(out, func(a, b index.Candidate) int {
		return cmp.Compare(a.Distance, b.Distance)
	})
	return out[:min(k, len(out))], nil
}

func cosine(a, b []float32, na, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (na * nb)
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}
