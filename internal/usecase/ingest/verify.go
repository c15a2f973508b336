package ingest

import (
	"context"
	"fmt"

	"github.com/Ron111104/LEGALYTICS/internal/domain"
	searchuc "github.com/Ron111104/LEGALYTICS/internal/usecase/search"
)

const maxReportedMisses = 20

// VerifyOptions control a self-retrieval check.
type VerifyOptions struct {
	// Sample is the number of rows checked, spread evenly over the corpus; 0 checks all.
	Sample int
	// K is the result depth counted as a hit.
	K int
	// Embedder re-embeds each case text as the query. Nil queries with the stored vectors.
	Embedder domain.Embedder
}

// Report is the outcome of Verify.
type Report struct {
	Checked  int
	Top1Hits int
	TopKHits int
	K        int
	Misses   []string
}

// Top1Rate is the share of checked cases that retrieved themselves first.
func (r Report) Top1Rate() float64 {
	if r.Checked == 0 {
		return 0
	}
	return float64(r.Top1Hits) / float64(r.Checked)
}

// TopKRate is the share of checked cases found within the first K results.
func (r Report) TopKRate() float64 {
	if r.Checked == 0 {
		return 0
	}
	return float64(r.TopKHits) / float64(r.Checked)
}

// Verify queries the engine with each sampled case and counts how often the case
// finds itself. Cases with identical text tie at 100% and may legitimately miss
// top-1 to the earlier row.
func Verify(ctx context.Context, engine *searchuc.Engine, opts VerifyOptions) (Report, error) {
	c := engine.Corpus()
	k := opts.K
	if k <= 0 {
		k = 3
	}
	rep := Report{K: k}

	for _, row := range sampleRows(c.Len(), opts.Sample) {
		if err := ctx.Err(); err != nil {
			return rep, err //nolint:wrapcheck // caller cancellation
		}

		vec := c.Vector(row)
		if opts.Embedder != nil {
			res, err := opts.Embedder.Embed(ctx, c.Text(row))
			if err != nil {
				return rep, fmt.Errorf("embed case %q: %w", c.ID(row), err)
			}
			vec = res.Embedding
		}

		results, err := engine.Retrieve(ctx, vec, k)
		if err != nil {
			return rep, fmt.Errorf("retrieve case %q: %w", c.ID(row), err)
		}

		rep.Checked++
		id := c.ID(row)
		found := false
		for i, r := range results {
			if r.CaseID != id {
				continue
			}
			found = true
			if i == 0 {
				rep.Top1Hits++
			}
			break
		}
		if found {
			rep.TopKHits++
		} else if len(rep.Misses) < maxReportedMisses {
			rep.Misses = append(rep.Misses, id)
		}
	}
	return rep, nil
}

// sampleRows picks n rows spread evenly over [0, total). n <= 0 or n >= total
// returns every row.
func sampleRows(total, n int) []int {
	if n <= 0 || n >= total {
		n = total
	}
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i * total / n
	}
	return rows
}
