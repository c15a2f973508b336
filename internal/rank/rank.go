// Package rank re-scores index candidates with exact cosine similarity and
// produces the ordered, display-ready result list.
package rank

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/Ron111104/LEGALYTICS/internal/corpus"
	"github.com/Ron111104/LEGALYTICS/internal/domain"
	"github.com/Ron111104/LEGALYTICS/internal/index"
)

// Scope selects which corpus rows are scored for a query.
type Scope string

const (
	// ScopeCorpus scores the query against every row and surfaces the candidates
	// together with the exact top-k rows, so a row the index missed still ranks.
	ScopeCorpus Scope = "corpus"
	// ScopeCandidates scores only the candidate rows. Recall is bounded by the index.
	ScopeCandidates Scope = "candidates"
)

// Defaults.
const (
	DefaultK            = 3
	DefaultPreviewRunes = 300
	previewSuffix       = "..."
)

// Result is one ranked case.
type Result struct {
	Row        int
	CaseID     string
	Similarity float64 // exact cosine similarity in [-1, 1]
	Percent    float64 // similarity scaled to [0, 100], two decimals
	Preview    string
	FullText   string
}

// Options configure a Ranker.
type Options struct {
	Scope        Scope
	PreviewRunes int
}

// Ranker scores candidates against a fixed corpus. Row norms are computed once.
type Ranker struct {
	c       *corpus.Corpus
	norms   []float64
	scope   Scope
	preview int
}

// New prepares a ranker for c.
func New(c *corpus.Corpus, opts Options) (*Ranker, error) {
	scope := opts.Scope
	if scope == "" {
		scope = ScopeCorpus
	}
	if scope != ScopeCorpus && scope != ScopeCandidates {
		return nil, fmt.Errorf("rank: unknown scope %q", scope)
	}
	preview := opts.PreviewRunes
	if preview <= 0 {
		preview = DefaultPreviewRunes
	}

	norms := make([]float64, c.Len())
	for i := range norms {
		norms[i] = l2(c.Vector(i))
	}
	return &Ranker{c: c, norms: norms, scope: scope, preview: preview}, nil
}

// Scope reports the configured scoring scope.
func (r *Ranker) Scope() Scope { return r.scope }

// Rank returns up to k results for the candidates, ordered by descending
// percentage. Equal percentages keep candidate order. Candidate rows outside the
// corpus are skipped and repeated rows are surfaced once. In ScopeCorpus the
// exact top-k rows of the whole corpus are added after the candidates, before
// the cut.
func (r *Ranker) Rank(query []float32, cands []index.Candidate, k int) ([]Result, error) {
	if k <= 0 {
		k = DefaultK
	}
	if r.c.Len() == 0 || len(cands) == 0 {
		return []Result{}, nil
	}
	if len(query) != r.c.Dim() {
		return nil, fmt.Errorf("%w: query has %d dimensions, corpus has %d",
			domain.ErrVectorDimMismatch, len(query), r.c.Dim())
	}

	qn := l2(query)
	var all []float64
	if r.scope == ScopeCorpus {
		all = r.scoreAll(query, qn)
	}

	seen := make(map[int]struct{}, len(cands)+k)
	out := make([]Result, 0, len(cands)+k)
	for _, cand := range cands {
		if !r.c.Contains(cand.Row) {
			continue
		}
		if _, dup := seen[cand.Row]; dup {
			continue
		}
		seen[cand.Row] = struct{}{}

		var sim float64
		if all != nil {
			sim = all[cand.Row]
		} else {
			sim = r.score(query, qn, cand.Row)
		}
		out = append(out, r.result(cand.Row, sim))
	}
	for _, row := range topRows(all, k) {
		if _, dup := seen[row]; dup {
			continue
		}
		seen[row] = struct{}{}
		out = append(out, r.result(row, all[row]))
	}

	slices.SortStableFunc(out, func(a, b Result) int {
		return cmp.Compare(b.Percent, a.Percent)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (r *Ranker) result(row int, sim float64) Result {
	text := r.c.Text(row)
	return Result{
		Row:        row,
		CaseID:     r.c.ID(row),
		Similarity: sim,
		Percent:    Percent(sim),
		Preview:    Preview(text, r.preview),
		FullText:   text,
	}
}

// topRows returns the k highest-scoring rows, best first. Ties keep row order.
func topRows(scores []float64, k int) []int {
	top := make([]int, 0, k+1)
	for row, s := range scores {
		if len(top) == k && s <= scores[top[k-1]] {
			continue
		}
		i := sort.Search(len(top), func(i int) bool { return scores[top[i]] < s })
		top = slices.Insert(top, i, row)
		if len(top) > k {
			top = top[:k]
		}
	}
	return top
}

func (r *Ranker) scoreAll(query []float32, qn float64) []float64 {
	out := make([]float64, r.c.Len())
	for i := range out {
		out[i] = r.score(query, qn, i)
	}
	return out
}

func (r *Ranker) score(query []float32, qn float64, row int) float64 {
	rn := r.norms[row]
	if qn == 0 || rn == 0 {
		return 0
	}
	v := r.c.Vector(row)
	var dot float64
	for i := range query {
		dot += float64(query[i]) * float64(v[i])
	}
	return dot / (qn * rn)
}

// Percent converts a cosine similarity to a percentage clamped to [0, 100] and
// rounded to two decimals.
func Percent(sim float64) float64 {
	p := sim * 100
	switch {
	case math.IsNaN(p) || p < 0:
		p = 0
	case p > 100:
		p = 100
	}
	return math.Round(p*100) / 100
}

// Preview returns the first n runes of text followed by an ellipsis.
func Preview(text string, n int) string {
	count := 0
	for i := range text {
		if count == n {
			return text[:i] + previewSuffix
		}
		count++
	}
	return text + previewSuffix
}

func l2(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}
