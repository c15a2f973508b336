// Package hnsw is the default in-process approximate index, an HNSW graph over
// corpus rows keyed by row number.
package hnsw

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"

	"github.com/coder/hnsw"

	"github.com/Ron111104/LEGALYTICS/internal/corpus"
	"github.com/Ron111104/LEGALYTICS/internal/domain"
	"github.com/Ron111104/LEGALYTICS/internal/index"
)

var _ index.Index = (*Index)(nil)

// Options tune graph construction and search.
type Options struct {
	M        int     // max neighbours per node
	Ml       float64 // level generation factor
	EfSearch int     // search candidate list size
	Seed     int64   // level generator seed; fixed for reproducible graphs
	// MaxK is the largest k callers will request. EfSearch is raised to at least MaxK.
	MaxK int
}

// DefaultOptions mirrors the library defaults with a fixed seed.
func DefaultOptions() Options {
	return Options{M: 16, Ml: 0.25, EfSearch: 64, Seed: 42, MaxK: 10}
}

// Index wraps an HNSW graph. The graph is never mutated after Build or Load.
type Index struct {
	g   *hnsw.Graph[int]
	dim int
}

func newGraph(opts Options) *hnsw.Graph[int] {
	g := hnsw.NewGraph[int]()
	g.Distance = hnsw.CosineDistance
	if opts.M > 0 {
		g.M = opts.M
	}
	if opts.Ml > 0 {
		g.Ml = opts.Ml
	}
	g.EfSearch = max(opts.EfSearch, opts.MaxK, 1)
	g.Rng = rand.New(rand.NewSource(opts.Seed)) //nolint:gosec // level assignment, not security
	return g
}

// Build inserts every corpus row into a new graph.
func Build(ctx context.Context, c *corpus.Corpus, opts Options) (*Index, error) {
	g := newGraph(opts)
	const batch = 1024
	for start := 0; start < c.Len(); start += batch {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("build hnsw: %w", err)
		}
		end := min(start+batch, c.Len())
		nodes := make([]hnsw.Node[int], 0, end-start)
		for row := start; row < end; row++ {
			nodes = append(nodes, hnsw.MakeNode(row, c.Vector(row)))
		}
		g.Add(nodes...)
	}
	return &Index{g: g, dim: c.Dim()}, nil
}

// Load imports a serialized graph and checks it against the corpus. A graph whose
// size or dimension disagrees with the corpus is rejected with domain.ErrIndexLoad.
func Load(path string, c *corpus.Corpus, opts Options) (*Index, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", domain.ErrIndexLoad, path, err)
	}
	defer f.Close()

	g := newGraph(opts)
	if err := g.Import(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("%w: import %s: %w", domain.ErrIndexLoad, path, err)
	}
	// Import restores the saved parameters; keep the configured search width.
	g.EfSearch = max(opts.EfSearch, opts.MaxK, 1)

	if g.Len() != c.Len() {
		return nil, fmt.Errorf("%w: graph has %d nodes, corpus has %d rows",
			domain.ErrIndexLoad, g.Len(), c.Len())
	}
	x := &Index{g: g, dim: c.Dim()}
	if c.Len() > 0 {
		if err := x.probe(c.Vector(0)); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// probe runs one search to confirm the graph accepts corpus-sized vectors.
// The graph panics on a dimension mismatch.
func (x *Index) probe(vec []float32) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: graph rejects %d-dimensional vectors: %v",
				domain.ErrIndexLoad, len(vec), r)
		}
	}()
	x.g.Search(vec, 1)
	return nil
}

// Save exports the graph to path atomically.
func (x *Index) Save(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(filepath.Clean(tmp))
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	err = x.g.Export(w)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename graph: %w", err)
	}
	return nil
}

// Len returns the number of nodes.
func (x *Index) Len() int { return x.g.Len() }

// Dim returns the vector dimension.
func (x *Index) Dim() int { return x.dim }

// Query searches the graph and returns candidates sorted by cosine distance.
func (x *Index) Query(ctx context.Context, vec []float32, k int) ([]index.Candidate, error) {
	done, err := index.CheckQuery(x, vec, k)
	if err != nil {
		return nil, err
	}
	if done {
		return []index.Candidate{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err //nolint:wrapcheck // context cancellation
	}

	nodes := x.g.Search(vec, min(k, x.g.Len()))
	out := make([]index.Candidate, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, index.Candidate{Row: n.Key, Distance: x.g.Distance(vec, n.Value)})
	}
	slices.SortStableFunc(out, func(a, b index.Candidate) int {
		return cmp.Or(cmp.Compare(a.Distance, b.Distance), cmp.Compare(a.Row, b.Row))
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// LoadOrBuild imports path when it exists and builds from the corpus otherwise.
// It reports whether the graph was imported.
func LoadOrBuild(ctx context.Context, path string, c *corpus.Corpus, opts Options) (*Index, bool, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			x, err := Load(path, c, opts)
			return x, err == nil, err
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, false, fmt.Errorf("%w: stat %s: %w", domain.ErrIndexLoad, path, err)
		}
	}
	x, err := Build(ctx, c, opts)
	return x, false, err
}
