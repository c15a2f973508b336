package search

import (
	"context"
	"hash/fnv"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Ron111104/LEGALYTICS/internal/corpus"
	"github.com/Ron111104/LEGALYTICS/internal/domain"
	"github.com/Ron111104/LEGALYTICS/internal/index/flat"
	"github.com/Ron111104/LEGALYTICS/internal/rank"
)

const testDim = 64

// hashEmbedder is a deterministic bag-of-words embedder: each token is hashed
// into one of testDim buckets and the result is unit-normalized.
type hashEmbedder struct {
	calls    atomic.Int32
	lastText atomic.Value
	err      error
	delay    time.Duration
}

func (h *hashEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	h.calls.Add(1)
	h.lastText.Store(text)
	if h.delay > 0 {
		select {
		case <-ctx.Done():
			return domain.EmbeddingResult{}, ctx.Err()
		case <-time.After(h.delay):
		}
	}
	if h.err != nil {
		return domain.EmbeddingResult{}, h.err
	}
	return domain.EmbeddingResult{Embedding: embedText(text), TotalTokens: len(strings.Fields(text))}, nil
}

func embedText(text string) []float32 {
	v := make([]float32, testDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		v[f.Sum32()%testDim]++
	}
	return domain.Normalize(v)
}

// gateEmbedder holds every call until release is closed, ignoring ctx.
type gateEmbedder struct {
	entered chan struct{}
	release chan struct{}
}

func newGateEmbedder(calls int) *gateEmbedder {
	return &gateEmbedder{entered: make(chan struct{}, calls), release: make(chan struct{})}
}

func (g *gateEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	g.entered <- struct{}{}
	<-g.release
	return domain.EmbeddingResult{Embedding: embedText(text)}, nil
}

// stubExtractor returns a fixed text or error.
type stubExtractor struct {
	text  string
	err   error
	calls atomic.Int32
}

func (s *stubExtractor) Extract(_ context.Context, _ io.ReaderAt, _ int64) (string, error) {
	s.calls.Add(1)
	return s.text, s.err
}

var judgments = []struct{ id, text string }{
	{"SC-2001-014", "appeal against conviction for murder under section 302 dismissed"},
	{"HC-DEL-2010-77", "anticipatory bail granted to the applicant in a dowry harassment case"},
	{"SC-1998-203", "land acquisition compensation enhanced for agricultural land owners"},
	{"HC-BOM-2015-9", "breach of contract damages awarded for delayed delivery of goods"},
	{"SC-2019-441", "writ petition challenging detention under preventive detention law allowed"},
	{"HC-MAD-2003-12", "bail application rejected in narcotics possession case"},
}

func buildCorpus(t *testing.T) *corpus.Corpus {
	t.Helper()
	recs := make([]corpus.Record, len(judgments))
	for i, j := range judgments {
		recs[i] = corpus.Record{ID: j.id, Text: j.text, Embedding: embedText(j.text)}
	}
	c, err := corpus.New(recs)
	require.NoError(t, err)
	return c
}

func buildEngine(t *testing.T, c *corpus.Corpus) *Engine {
	t.Helper()
	r, err := rank.New(c, rank.Options{})
	require.NoError(t, err)
	e, err := NewEngine(c, flat.Build(c), r, 10)
	require.NoError(t, err)
	return e
}

func newService(t *testing.T, ext Extractor, emb Embedder, cfg Config) *Service {
	t.Helper()
	svc, err := New(buildEngine(t, buildCorpus(t)), ext, emb, cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func pdfUpload(body string) *Upload {
	data := "%PDF-1.4\n" + body
	return &Upload{Name: "judgment.pdf", Size: int64(len(data)), Body: strings.NewReader(data)}
}
