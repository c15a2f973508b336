package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ron111104/LEGALYTICS/internal/corpus"
	"github.com/Ron111104/LEGALYTICS/internal/domain"
	"github.com/Ron111104/LEGALYTICS/internal/index/flat"
	"github.com/Ron111104/LEGALYTICS/internal/index/hnsw"
	"github.com/Ron111104/LEGALYTICS/internal/rank"
	searchuc "github.com/Ron111104/LEGALYTICS/internal/usecase/search"
)

const testDim = 48

func embedWords(text string) []float32 {
	v := make([]float32, testDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		v[h.Sum32()%testDim]++
	}
	return domain.Normalize(v)
}

// batchEmbedder counts batch calls and can fail on a given text.
type batchEmbedder struct {
	calls  atomic.Int32
	failOn string
	mu     sync.Mutex
	sizes  []int
}

func (b *batchEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	return domain.EmbeddingResult{Embedding: embedWords(text), TotalTokens: 1}, nil
}

func (b *batchEmbedder) BatchEmbed(_ context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	b.calls.Add(1)
	b.mu.Lock()
	b.sizes = append(b.sizes, len(texts))
	b.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if b.failOn != "" && t == b.failOn {
			return domain.BatchEmbeddingResult{}, errors.New("provider down")
		}
		out[i] = embedWords(t)
	}
	return domain.BatchEmbeddingResult{Embeddings: out, TotalTokens: len(texts) * 2}, nil
}

// singleEmbedder has no batch call.
type singleEmbedder struct{ calls atomic.Int32 }

func (s *singleEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	s.calls.Add(1)
	return domain.EmbeddingResult{Embedding: embedWords(text)}, nil
}

// shortEmbedder returns one vector too few.
type shortEmbedder struct{ singleEmbedder }

func (s *shortEmbedder) BatchEmbed(_ context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	out := make([][]float32, len(texts)-1)
	for i := range out {
		out[i] = embedWords(texts[i])
	}
	return domain.BatchEmbeddingResult{Embeddings: out}, nil
}

var sampleJSONL = `{"id":"SC-1","text":"murder appeal dismissed under section 302"}

{"id":"SC-2","text":"anticipatory bail granted in dowry case"}
{"id":" SC-3 ","text":"land acquisition compensation enhanced"}
{"id":"SC-4","text":"   "}
{"id":"SC-5","text":"breach of contract damages for late delivery"}
`

func TestReadJSONL(t *testing.T) {
	got, err := ReadJSONL(strings.NewReader(sampleJSONL))
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "SC-1", got[0].ID)
	assert.Equal(t, "SC-3", got[2].ID, "ids are trimmed")
	assert.Equal(t, "anticipatory bail granted in dowry case", got[1].Text)
}

func TestReadJSONL_Errors(t *testing.T) {
	tests := map[string]struct {
		input string
		want  error
		line  string
	}{
		"bad json":     {input: "{\"id\":\"a\",\"text\":\"x\"}\n{oops", line: "line 2"},
		"missing id":   {input: `{"text":"x"}`, want: errMissingID, line: "line 1"},
		"duplicate id": {input: "{\"id\":\"a\",\"text\":\"x\"}\n{\"id\":\"a\",\"text\":\"y\"}", want: errDuplicateID, line: "line 2"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadJSONL(strings.NewReader(tt.input))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Contains(t, err.Error(), tt.line)
		})
	}
}

func TestBuild_BatchesAndOrder(t *testing.T) {
	sources, err := ReadJSONL(strings.NewReader(sampleJSONL))
	require.NoError(t, err)

	emb := &batchEmbedder{}
	var progressCalls atomic.Int32
	b, err := NewBuilder(emb, WithPoolSize(3), WithBatchSize(2),
		WithProgress(func(done, total int) {
			progressCalls.Add(1)
			assert.LessOrEqual(t, done, total)
		}))
	require.NoError(t, err)
	defer b.Close()

	c, stats, err := b.Build(context.Background(), sources)
	require.NoError(t, err)

	assert.Equal(t, 4, c.Len())
	assert.Equal(t, 4, stats.Cases)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 2, stats.Batches)
	assert.Equal(t, 8, stats.Tokens)
	assert.EqualValues(t, 2, emb.calls.Load())
	assert.EqualValues(t, 2, progressCalls.Load())

	for i, id := range []string{"SC-1", "SC-2", "SC-3", "SC-5"} {
		assert.Equal(t, id, c.ID(i))
		assert.Equal(t, embedWords(c.Text(i)), c.Vector(i), "row %d vector must match its own text", i)
	}
}

func TestBuild_FallsBackToSingleEmbed(t *testing.T) {
	emb := &singleEmbedder{}
	b, err := NewBuilder(emb, WithBatchSize(10))
	require.NoError(t, err)
	defer b.Close()

	c, _, err := b.Build(context.Background(), []Source{{ID: "a", Text: "one"}, {ID: "b", Text: "two"}})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.EqualValues(t, 2, emb.calls.Load())
}

func TestBuild_EmbeddingFailure(t *testing.T) {
	emb := &batchEmbedder{failOn: "two"}
	b, err := NewBuilder(emb, WithBatchSize(1), WithPoolSize(2))
	require.NoError(t, err)
	defer b.Close()

	_, _, err = b.Build(context.Background(), []Source{
		{ID: "a", Text: "one"}, {ID: "b", Text: "two"}, {ID: "c", Text: "three"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider down")
	assert.Contains(t, err.Error(), `"b"`)
}

func TestBuild_VectorCountMismatch(t *testing.T) {
	b, err := NewBuilder(&shortEmbedder{}, WithBatchSize(2))
	require.NoError(t, err)
	defer b.Close()

	_, _, err = b.Build(context.Background(), []Source{{ID: "a", Text: "one"}, {ID: "b", Text: "two"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 1 vectors for 2 texts")
}

func TestBuild_Cancelled(t *testing.T) {
	b, err := NewBuilder(&batchEmbedder{})
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = b.Build(ctx, []Source{{ID: "a", Text: "one"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewBuilder_InvalidOptions(t *testing.T) {
	_, err := NewBuilder(&batchEmbedder{}, WithPoolSize(0))
	require.Error(t, err)
	_, err = NewBuilder(&batchEmbedder{}, WithBatchSize(-1))
	require.Error(t, err)
}

func TestBuild_WriteLoadRoundTrip(t *testing.T) {
	sources, err := ReadJSONL(strings.NewReader(sampleJSONL))
	require.NoError(t, err)
	b, err := NewBuilder(&batchEmbedder{})
	require.NoError(t, err)
	defer b.Close()

	c, _, err := b.Build(context.Background(), sources)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, corpus.Write(dir, c))
	loaded, err := corpus.Load(context.Background(), corpus.PathsIn(dir))
	require.NoError(t, err)
	assert.Equal(t, c.Len(), loaded.Len())
	assert.Equal(t, c.Dim(), loaded.Dim())
	for row := range c.Len() {
		assert.Equal(t, c.ID(row), loaded.ID(row))
		assert.Equal(t, c.Vector(row), loaded.Vector(row))
	}
}

func newEngine(t *testing.T, c *corpus.Corpus, useHNSW bool) *searchuc.Engine {
	t.Helper()
	r, err := rank.New(c, rank.Options{})
	require.NoError(t, err)
	if useHNSW {
		idx, err := hnsw.Build(context.Background(), c, hnsw.DefaultOptions())
		require.NoError(t, err)
		e, err := searchuc.NewEngine(c, idx, r, 10)
		require.NoError(t, err)
		return e
	}
	e, err := searchuc.NewEngine(c, flat.Build(c), r, 10)
	require.NoError(t, err)
	return e
}

func TestVerify_ReembeddingRoundTrip(t *testing.T) {
	sources, err := ReadJSONL(strings.NewReader(sampleJSONL))
	require.NoError(t, err)
	emb := &batchEmbedder{}
	b, err := NewBuilder(emb)
	require.NoError(t, err)
	defer b.Close()
	c, _, err := b.Build(context.Background(), sources)
	require.NoError(t, err)

	for _, useHNSW := range []bool{false, true} {
		rep, err := Verify(context.Background(), newEngine(t, c, useHNSW), VerifyOptions{Embedder: emb})
		require.NoError(t, err)
		assert.Equal(t, c.Len(), rep.Checked)
		assert.Equal(t, c.Len(), rep.Top1Hits)
		assert.InDelta(t, 1.0, rep.Top1Rate(), 1e-9)
		assert.InDelta(t, 1.0, rep.TopKRate(), 1e-9)
		assert.Empty(t, rep.Misses)
	}
}

func TestVerify_StoredVectorsAndSampling(t *testing.T) {
	recs := make([]corpus.Record, 10)
	for i := range recs {
		vec := make([]float32, testDim)
		vec[i] = 1
		recs[i] = corpus.Record{ID: string(rune('a' + i)), Text: "judgment", Embedding: vec}
	}
	c, err := corpus.New(recs)
	require.NoError(t, err)

	rep, err := Verify(context.Background(), newEngine(t, c, false), VerifyOptions{Sample: 4, K: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Checked)
	assert.Equal(t, 2, rep.K)
	assert.Equal(t, 4, rep.TopKHits)
}

func TestVerify_DuplicateTextsMissTop1(t *testing.T) {
	vec := embedWords("same text")
	c, err := corpus.New([]corpus.Record{
		{ID: "A", Text: "same text", Embedding: vec},
		{ID: "B", Text: "same text", Embedding: vec},
	})
	require.NoError(t, err)

	rep, err := Verify(context.Background(), newEngine(t, c, false), VerifyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
	assert.Equal(t, 1, rep.Top1Hits, "B ties with A and A keeps first place")
	assert.Equal(t, 2, rep.TopKHits)
}

func TestReport_EmptyRates(t *testing.T) {
	var r Report
	assert.Zero(t, r.Top1Rate())
	assert.Zero(t, r.TopKRate())
}

func TestSampleRows(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2}, sampleRows(3, 0))
	assert.Equal(t, []int{0, 1, 2}, sampleRows(3, 10))
	assert.Equal(t, []int{0, 2, 5, 7}, sampleRows(10, 4))
	assert.Empty(t, sampleRows(0, 5))
}
