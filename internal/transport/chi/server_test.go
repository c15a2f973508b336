package chi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gochi "github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Ron111104/LEGALYTICS/internal/corpus"
	"github.com/Ron111104/LEGALYTICS/internal/domain"
	"github.com/Ron111104/LEGALYTICS/internal/index/flat"
	"github.com/Ron111104/LEGALYTICS/internal/rank"
	healthuc "github.com/Ron111104/LEGALYTICS/internal/usecase/health"
	searchuc "github.com/Ron111104/LEGALYTICS/internal/usecase/search"
)

const testDim = 32

type wordEmbedder struct {
	err   error
	delay time.Duration
	// hold, when set, blocks every call until closed regardless of ctx;
	// started receives once per held call.
	hold    chan struct{}
	started chan struct{}
}

func (e *wordEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	if e.hold != nil {
		e.started <- struct{}{}
		<-e.hold
	}
	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return domain.EmbeddingResult{}, ctx.Err()
		case <-time.After(e.delay):
		}
	}
	if e.err != nil {
		return domain.EmbeddingResult{}, e.err
	}
	return domain.EmbeddingResult{Embedding: embedWords(text), TotalTokens: len(strings.Fields(text))}, nil
}

func embedWords(text string) []float32 {
	v := make([]float32, testDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		v[h.Sum32()%testDim]++
	}
	return domain.Normalize(v)
}

type fixedExtractor struct {
	text string
	err  error
}

func (f fixedExtractor) Extract(context.Context, io.ReaderAt, int64) (string, error) {
	return f.text, f.err
}

var testCases = []struct{ id, text string }{
	{"SC-2001-014", "appeal against conviction for murder dismissed by the court"},
	{"HC-DEL-2010-77", "anticipatory bail granted in a dowry harassment case"},
	{"SC-1998-203", "land acquisition compensation enhanced for farmers"},
	{"HC-BOM-2015-9", "breach of contract damages awarded for late delivery"},
}

type fixture struct {
	extractor fixedExtractor
	embedder  *wordEmbedder
	cfg       searchuc.Config
	opts      Options
	empty     bool
}

func newTestRouter(t *testing.T, f fixture) http.Handler {
	t.Helper()

	var recs []corpus.Record
	if !f.empty {
		for _, c := range testCases {
			recs = append(recs, corpus.Record{ID: c.id, Text: c.text, Embedding: embedWords(c.text)})
		}
	}
	c, err := corpus.New(recs)
	if err != nil {
		t.Fatalf("corpus: %v", err)
	}
	idx := flat.Build(c)
	ranker, err := rank.New(c, rank.Options{})
	if err != nil {
		t.Fatalf("ranker: %v", err)
	}
	engine, err := searchuc.NewEngine(c, idx, ranker, 10)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if f.embedder == nil {
		f.embedder = &wordEmbedder{}
	}
	svc, err := searchuc.New(engine, f.extractor, f.embedder, f.cfg)
	if err != nil {
		t.Fatalf("search service: %v", err)
	}
	t.Cleanup(svc.Close)

	health := healthuc.New(healthuc.Deps{Corpus: c, Index: idx}, time.Second)
	server := NewServer(svc, health, zap.NewNop(), f.opts)

	r := gochi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(WideEvent(zap.NewNop()))
	server.Mount(r)
	return r
}

type filePart struct {
	name string
	data []byte
}

func multipartRequest(t *testing.T, fields map[string]string, file *filePart) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", file.name)
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		_, _ = fw.Write(file.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/search", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code ErrorCode, msg string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("status: got %d, want %d (body %s)", rr.Code, status, rr.Body.String())
	}
	resp := decodeError(t, rr)
	if resp.Code != code {
		t.Errorf("code: got %q, want %q", resp.Code, code)
	}
	if msg != "" && resp.Message != msg {
		t.Errorf("message: got %q, want %q", resp.Message, msg)
	}
}

func TestRootAndMessage(t *testing.T) {
	h := newTestRouter(t, fixture{})

	for path, want := range map[string]string{
		"/":            "Welcome to the Legalytics API!",
		"/api/message": "Hello from FastAPI!",
	} {
		rr := serve(h, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: got %d", path, rr.Code)
		}
		var resp MessageResponse
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
		if resp.Message != want {
			t.Errorf("%s: got %q, want %q", path, resp.Message, want)
		}
	}
}

func TestSearch_Text(t *testing.T) {
	h := newTestRouter(t, fixture{})

	rr := serve(h, multipartRequest(t, map[string]string{"text": testCases[1].text}, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type: got %q", ct)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	var raw map[string][]map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	cases := raw["retrieved_cases"]
	if len(cases) != rank.DefaultK {
		t.Fatalf("results: got %d, want %d", len(cases), rank.DefaultK)
	}
	for _, key := range []string{"Case ID", "Similarity Score", "Text Preview", "Full Text"} {
		if _, ok := cases[0][key]; !ok {
			t.Errorf("missing key %q in %v", key, cases[0])
		}
	}
	if cases[0]["Case ID"] != testCases[1].id {
		t.Errorf("top case: got %v, want %s", cases[0]["Case ID"], testCases[1].id)
	}
	if score, _ := cases[0]["Similarity Score"].(float64); score != 100 {
		t.Errorf("top score: got %v, want 100", cases[0]["Similarity Score"])
	}
	if rr.Header().Get("X-Result-Count") != fmt.Sprint(rank.DefaultK) {
		t.Errorf("X-Result-Count: got %q", rr.Header().Get("X-Result-Count"))
	}
	if rr.Header().Get("X-Embedding-Tokens") == "" {
		t.Error("X-Embedding-Tokens not set")
	}
}

func TestSearch_PDF(t *testing.T) {
	h := newTestRouter(t, fixture{extractor: fixedExtractor{text: testCases[2].text}})

	rr := serve(h, multipartRequest(t, map[string]string{"text": ""},
		&filePart{name: "judgment.pdf", data: []byte("%PDF-1.4\nbody")}))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rr.Code, rr.Body.String())
	}
	var resp SearchResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RetrievedCases[0].CaseID != testCases[2].id {
		t.Errorf("top case: got %s, want %s", resp.RetrievedCases[0].CaseID, testCases[2].id)
	}
}

func TestSearch_EmptyFilePartIgnored(t *testing.T) {
	h := newTestRouter(t, fixture{})

	rr := serve(h, multipartRequest(t, map[string]string{"text": testCases[0].text},
		&filePart{name: "", data: nil}))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestSearch_InputErrors(t *testing.T) {
	h := newTestRouter(t, fixture{extractor: fixedExtractor{text: "unused"}})
	pdf := &filePart{name: "a.pdf", data: []byte("%PDF-1.7\n")}

	tests := []struct {
		name string
		req  *http.Request
		code ErrorCode
		msg  string
	}{
		{"empty form", multipartRequest(t, nil, nil), CodeBadRequest, searchuc.MsgNoInput},
		{"whitespace text", multipartRequest(t, map[string]string{"text": "  \n"}, nil),
			CodeBadRequest, searchuc.MsgNoInput},
		{"not multipart", httptest.NewRequest(http.MethodPost, "/api/search", http.NoBody),
			CodeBadRequest, searchuc.MsgNoInput},
		{"both inputs", multipartRequest(t, map[string]string{"text": "bail"}, pdf),
			CodeBadRequest, searchuc.MsgBothInputs},
		{"not a pdf", multipartRequest(t, nil, &filePart{name: "a.docx", data: []byte("PK\x03\x04")}),
			CodeUnsupportedFile, searchuc.MsgUnsupportedFile},
		{"bad top_k", multipartRequest(t, map[string]string{"text": "bail", "top_k": "many"}, nil),
			CodeBadRequest, msgInvalidTopK},
		{"zero top_k", multipartRequest(t, map[string]string{"text": "bail", "top_k": "0"}, nil),
			CodeBadRequest, msgInvalidTopK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, serve(h, tt.req), http.StatusBadRequest, tt.code, tt.msg)
		})
	}
}

func TestSearch_ExtractionEmpty(t *testing.T) {
	h := newTestRouter(t, fixture{extractor: fixedExtractor{err: domain.ErrExtractionEmpty}})

	rr := serve(h, multipartRequest(t, nil, &filePart{name: "scan.pdf", data: []byte("%PDF-1.4\n")}))
	expectError(t, rr, http.StatusUnprocessableEntity, CodeExtractionEmpty, searchuc.MsgExtractionEmpty)
}

func TestSearch_NoResults(t *testing.T) {
	h := newTestRouter(t, fixture{empty: true})

	rr := serve(h, multipartRequest(t, map[string]string{"text": "bail"}, nil))
	expectError(t, rr, http.StatusNotFound, CodeNoResults, "No similar cases found")
}

func TestSearch_EmbeddingFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   ErrorCode
		msg    string
	}{
		{"generic", errors.New("connection reset"), http.StatusInternalServerError, CodeInternal, searchuc.MsgInternal},
		{"provider rate limited", fmt.Errorf("%w: %w: connection reset", domain.ErrEmbeddingProviderError, domain.ErrRateLimited),
			http.StatusInternalServerError, CodeInternal, searchuc.MsgInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, fixture{embedder: &wordEmbedder{err: tt.err}})
			rr := serve(h, multipartRequest(t, map[string]string{"text": "bail"}, nil))
			expectError(t, rr, tt.status, tt.code, tt.msg)
			if strings.Contains(rr.Body.String(), "connection reset") {
				t.Error("internal detail leaked to caller")
			}
		})
	}
}

func TestSearch_Timeout(t *testing.T) {
	h := newTestRouter(t, fixture{
		embedder: &wordEmbedder{delay: time.Second},
		cfg:      searchuc.Config{Timeout: 20 * time.Millisecond},
	})

	rr := serve(h, multipartRequest(t, map[string]string{"text": "bail"}, nil))
	expectError(t, rr, http.StatusGatewayTimeout, CodeSearchTimeout, searchuc.MsgTimeout)
}

func TestSearch_OverloadedIsServiceUnavailable(t *testing.T) {
	emb := &wordEmbedder{hold: make(chan struct{}), started: make(chan struct{}, 1)}
	h := newTestRouter(t, fixture{
		embedder: emb,
		cfg:      searchuc.Config{Workers: 1, Timeout: 50 * time.Millisecond},
	})
	defer close(emb.hold)

	go serve(h, multipartRequest(t, map[string]string{"text": "bail"}, nil))
	<-emb.started

	rr := serve(h, multipartRequest(t, map[string]string{"text": "bail"}, nil))
	expectError(t, rr, http.StatusServiceUnavailable, CodeOverloaded, searchuc.MsgOverloaded)
}

func TestSearch_TopK(t *testing.T) {
	h := newTestRouter(t, fixture{cfg: searchuc.Config{MaxTopK: 3}})

	for raw, want := range map[string]int{"1": 1, "2": 2, "50": 3} {
		rr := serve(h, multipartRequest(t, map[string]string{"text": "case of bail", "top_k": raw}, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("top_k=%s: status %d", raw, rr.Code)
		}
		var resp SearchResponse
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(resp.RetrievedCases) != want {
			t.Errorf("top_k=%s: got %d results, want %d", raw, len(resp.RetrievedCases), want)
		}
	}
}

func TestSearch_BodyTooLarge(t *testing.T) {
	h := newTestRouter(t, fixture{opts: Options{MaxUploadBytes: 1 << 10}})

	big := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("x"), 4<<10)...)
	rr := serve(h, multipartRequest(t, nil, &filePart{name: "big.pdf", data: big}))
	expectError(t, rr, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "")
}

func TestSearch_MethodNotAllowed(t *testing.T) {
	h := newTestRouter(t, fixture{})

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/api/search", http.NoBody))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/search: got %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestHealthCheck(t *testing.T) {
	h := newTestRouter(t, fixture{})

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != string(healthuc.Healthy) {
		t.Errorf("status: got %q", resp.Status)
	}
	if resp.Cases != len(testCases) {
		t.Errorf("cases: got %d, want %d", resp.Cases, len(testCases))
	}
	if resp.Checks["index"] != "ok" || resp.Checks["corpus"] != "ok" {
		t.Errorf("checks: got %v", resp.Checks)
	}
	if resp.Version == "" {
		t.Error("empty version")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(t, fixture{})

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Error("expected Go runtime metrics in exposition")
	}
}
