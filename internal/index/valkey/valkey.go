// Package valkey serves nearest-neighbour queries from a Valkey (or Redis 8)
// search index populated from the corpus at startup.
package valkey

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Ron111104/LEGALYTICS/internal/corpus"
	"github.com/Ron111104/LEGALYTICS/internal/db"
	"github.com/Ron111104/LEGALYTICS/internal/db/redis"
	"github.com/Ron111104/LEGALYTICS/internal/domain"
	"github.com/Ron111104/LEGALYTICS/internal/index"
)

var (
	_ index.Index = (*Index)(nil)
	_ Store       = (*redis.Store)(nil)
)

const (
	keyPrefix   = "legalytics:case:"
	indexPrefix = "legalytics:idx:"
	fieldRow    = "row"
	fieldVector = "vector"
	loadBatch   = 1000
)

// Store is what the index needs from the Valkey client.
type Store interface {
	db.IndexManager
	db.Searcher
	HSetMulti(ctx context.Context, items []db.HashSetItem) error
}

// Options tune the server-side HNSW index.
type Options struct {
	M              int
	EfConstruction int
	EfSearch       int
	// BatchSize is the number of hashes written per pipeline; 0 uses 1000.
	BatchSize int
	Logger    *zap.Logger
}

// Index answers queries through FT.SEARCH KNN.
type Index struct {
	store Store
	name  string
	n     int
	dim   int
}

// Fingerprint identifies a corpus by its ids and embedding shape. Hash keys and
// the index name embed it, so indexes for different corpora never share documents.
func Fingerprint(c *corpus.Corpus) string {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(c.Len()))
	binary.LittleEndian.PutUint32(buf[4:], uint32(c.Dim()))
	h.Write(buf[:])
	for i := 0; i < c.Len(); i++ {
		h.Write([]byte(c.ID(i)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// IndexName returns the FT index name for a corpus fingerprint.
func IndexName(fp string) string { return indexPrefix + fp }

// Key returns the hash key holding a corpus row.
func Key(fp string, row int) string { return keyPrefix + fp + ":" + strconv.Itoa(row) }

// Build creates the FT index and loads every corpus row as a hash. An existing
// index already holding all rows is reused as is; an incomplete one is dropped
// and recreated with the current options before the rows are written again.
func Build(ctx context.Context, store Store, c *corpus.Corpus, opts Options) (*Index, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	fp := Fingerprint(c)
	x := &Index{store: store, name: IndexName(fp), n: c.Len(), dim: c.Dim()}
	if c.Len() == 0 {
		return x, nil
	}

	def, err := db.NewIndex(x.name).
		Prefix(keyPrefix+fp+":").
		Numeric(fieldRow).
		VectorHNSW(fieldVector, c.Dim(), db.DistanceCosine, opts.M, opts.EfConstruction, opts.EfSearch).
		Build()
	if err != nil {
		return nil, fmt.Errorf("%w: index definition: %w", domain.ErrIndexLoad, err)
	}

	err = store.CreateIndex(ctx, def)
	switch {
	case errors.Is(err, db.ErrIndexExists):
		count, cerr := store.SearchCount(ctx, x.name, "*")
		if cerr == nil && count == c.Len() {
			log.Info("reusing valkey index", zap.String("index", x.name), zap.Int("rows", count))
			return x, nil
		}
		log.Info("valkey index incomplete, recreating",
			zap.String("index", x.name), zap.Int("have", count), zap.Int("want", c.Len()))
		if err := recreate(ctx, store, def); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("%w: create %s: %w", domain.ErrIndexLoad, x.name, err)
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = loadBatch
	}
	items := make([]db.HashSetItem, 0, batch)
	for row := 0; row < c.Len(); row++ {
		items = append(items, db.HashSetItem{
			Key: Key(fp, row),
			Fields: map[string]string{
				fieldRow:    strconv.Itoa(row),
				fieldVector: string(redis.VectorToBytes(c.Vector(row))),
			},
		})
		if len(items) == batch || row == c.Len()-1 {
			if err := store.HSetMulti(ctx, items); err != nil {
				return nil, fmt.Errorf("%w: load rows: %w", domain.ErrIndexLoad, err)
			}
			items = items[:0]
		}
	}
	log.Info("valkey index loaded", zap.String("index", x.name), zap.Int("rows", c.Len()))
	return x, nil
}

func recreate(ctx context.Context, store Store, def *db.IndexDefinition) error {
	if err := store.DropIndex(ctx, def.Name); err != nil && !errors.Is(err, db.ErrIndexNotFound) {
		return fmt.Errorf("%w: drop %s: %w", domain.ErrIndexLoad, def.Name, err)
	}
	if err := store.CreateIndex(ctx, def); err != nil {
		return fmt.Errorf("%w: recreate %s: %w", domain.ErrIndexLoad, def.Name, err)
	}
	return nil
}

// Name returns the FT index name.
func (x *Index) Name() string { return x.name }

// Len returns the number of indexed rows.
func (x *Index) Len() int { return x.n }

// Dim returns the vector dimension.
func (x *Index) Dim() int { return x.dim }

// Query runs a KNN search and maps hits back to corpus rows. Hits whose row field
// is missing or outside the corpus are dropped.
func (x *Index) Query(ctx context.Context, vec []float32, k int) ([]index.Candidate, error) {
	done, err := index.CheckQuery(x, vec, k)
	if err != nil {
		return nil, err
	}
	if done {
		return []index.Candidate{}, nil
	}

	res, err := x.store.SearchKNN(ctx, &db.KNNQuery{
		IndexName:    x.name,
		VectorField:  fieldVector,
		Vector:       vec,
		K:            min(k, x.n),
		ReturnFields: []string{fieldRow, "__vector_score"},
		RawScores:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("valkey knn: %w", err)
	}

	out := make([]index.Candidate, 0, len(res.Entries))
	for _, e := range res.Entries {
		row, ok := rowOf(e)
		if !ok || row < 0 || row >= x.n {
			continue
		}
		out = append(out, index.Candidate{Row: row, Distance: float32(e.Score)})
	}
	slices.SortStableFunc(out, func(a, b index.Candidate) int {
		return cmp.Or(cmp.Compare(a.Distance, b.Distance), cmp.Compare(a.Row, b.Row))
	})
	return out[:min(k, len(out))], nil
}

func rowOf(e db.SearchEntry) (int, bool) {
	if s, ok := e.Fields[fieldRow]; ok {
		row, err := strconv.Atoi(s)
		return row, err == nil
	}
	i := strings.LastIndexByte(e.Key, ':')
	if i < 0 {
		return 0, false
	}
	row, err := strconv.Atoi(e.Key[i+1:])
	return row, err == nil
}
