package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	gochi "github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Ron111104/LEGALYTICS/internal/domain"
	"github.com/Ron111104/LEGALYTICS/internal/rank"
	"github.com/Ron111104/LEGALYTICS/internal/version"
	healthuc "github.com/Ron111104/LEGALYTICS/internal/usecase/health"
	searchuc "github.com/Ron111104/LEGALYTICS/internal/usecase/search"
)

// DefaultMaxUploadBytes bounds a search request body when Options leaves it unset.
const DefaultMaxUploadBytes = 32 << 20

// ErrorCode is the machine-readable code of an error response.
type ErrorCode string

// Error codes.
const (
	CodeBadRequest      ErrorCode = "bad_request"
	CodeUnsupportedFile ErrorCode = "unsupported_file"
	CodeExtractionEmpty ErrorCode = "extraction_empty"
	CodeNoResults       ErrorCode = "no_results"
	CodePayloadTooLarge ErrorCode = "payload_too_large"
	CodeUnauthorized    ErrorCode = "unauthorized"
	CodeRateLimited     ErrorCode = "rate_limited"
	CodeSearchTimeout   ErrorCode = "search_timeout"
	CodeOverloaded      ErrorCode = "overloaded"
	CodeInternal        ErrorCode = "internal_error"
)

const (
	msgWelcome      = "Welcome to the Legalytics API!"
	msgHello        = "Hello from FastAPI!"
	msgInvalidForm  = "Invalid multipart form."
	msgInvalidTopK  = "top_k must be a positive integer."
	msgRateLimited  = "Too many requests; retry later."
	msgInternal     = "internal error"
	formFieldFile   = "file"
	formFieldText   = "text"
	formFieldTopK   = "top_k"
	multipartMemory = 8 << 20
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// MessageResponse is the body of the greeting endpoints.
type MessageResponse struct {
	Message string `json:"message"`
}

// CaseResponse is one retrieved case. The JSON keys are the ones the web
// client reads.
type CaseResponse struct {
	CaseID          string  `json:"Case ID"`
	SimilarityScore float64 `json:"Similarity Score"`
	TextPreview     string  `json:"Text Preview"`
	FullText        string  `json:"Full Text"`
}

// SearchResponse is the body of a successful POST /api/search.
type SearchResponse struct {
	RetrievedCases []CaseResponse `json:"retrieved_cases"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Cases   int               `json:"cases"`
	Version string            `json:"version"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Options tune request handling.
type Options struct {
	// MaxUploadBytes caps the whole multipart body of a search request.
	MaxUploadBytes int64
}

// Server serves the Legalytics HTTP API.
type Server struct {
	search        *searchuc.Service
	health        *healthuc.Service
	logger        *zap.Logger
	maxUpload     int64
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	search *searchuc.Service,
	health *healthuc.Service,
	logger *zap.Logger,
	opts Options,
) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &Server{
		search:    search,
		health:    health,
		logger:    logger,
		maxUpload: opts.MaxUploadBytes,
	}
	// Order matters: timeouts and overload are reported before the generic
	// internal kind they are wrapped in. Provider failures, throttling included,
	// fall through to 500.
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrSearchTimeout, http.StatusGatewayTimeout, CodeSearchTimeout),
		sentinelHandler(domain.ErrOverloaded, http.StatusServiceUnavailable, CodeOverloaded),
		sentinelHandler(domain.ErrUnsupportedFileType, http.StatusBadRequest, CodeUnsupportedFile),
		kindHandler(searchuc.KindNoInput, http.StatusBadRequest, CodeBadRequest),
		kindHandler(searchuc.KindExtractionEmpty, http.StatusUnprocessableEntity, CodeExtractionEmpty),
		kindHandler(searchuc.KindNoResults, http.StatusNotFound, CodeNoResults),
	}
	return s
}

// Mount registers the API routes on r.
func (s *Server) Mount(r gochi.Router) {
	r.Get("/", s.Root)
	r.Get("/api/message", s.Message)
	r.Post("/api/search", s.Search)
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
}

// Root handles GET /.
func (s *Server) Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, MessageResponse{Message: msgWelcome})
}

// Message handles GET /api/message.
func (s *Server) Message(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, MessageResponse{Message: msgHello})
}

// Search handles POST /api/search.
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
				fmt.Sprintf("Request body exceeds the %d byte limit.", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, CodeBadRequest, msgInvalidForm)
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	req := searchuc.Request{Text: r.FormValue(formFieldText)}

	if raw := r.FormValue(formFieldTopK); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil || k <= 0 {
			writeError(w, http.StatusBadRequest, CodeBadRequest, msgInvalidTopK)
			return
		}
		req.TopK = k
	}

	file, header, err := r.FormFile(formFieldFile)
	switch {
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	case err != nil:
		writeError(w, http.StatusBadRequest, CodeBadRequest, msgInvalidForm)
		return
	default:
		defer func() { _ = file.Close() }()
		// browsers submit an empty part when no file was picked
		if header.Size > 0 {
			req.File = &searchuc.Upload{Name: header.Filename, Size: header.Size, Body: file}
		}
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	results, err := s.search.Search(ctx, req)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	setEmbeddingHeaders(w, usage)
	w.Header().Set("X-Result-Count", strconv.Itoa(len(results)))
	writeJSON(w, http.StatusOK, SearchResponse{RetrievedCases: casesToResponse(results)})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status:  string(report.Status),
		Checks:  checks,
		Cases:   report.Cases,
		Version: version.String(),
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// setEmbeddingHeaders is only called after a successful search, when the
// pipeline has stopped writing to usage.
func setEmbeddingHeaders(w http.ResponseWriter, usage *domain.EmbeddingUsage) {
	if usage != nil && usage.Used {
		w.Header().Set("X-Embedding-Tokens", strconv.Itoa(usage.TotalTokens))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeMessage returns a caller-facing message without exposing internals.
func safeMessage(err error) string {
	var se *searchuc.Error
	if errors.As(err, &se) {
		return se.Message
	}
	return msgInternal
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// kindHandler returns an errorHandler that matches a search failure kind.
func kindHandler(kind searchuc.Kind, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		var se *searchuc.Error
		if !errors.As(err, &se) || se.Kind != kind {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	log := s.logger.With(zap.String("request_id", chiMiddleware.GetReqID(r.Context())))
	msg := safeMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			log.Warn("search failed", zap.Error(err))
			return
		}
	}
	log.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternal, msg)
}

func casesToResponse(results []rank.Result) []CaseResponse {
	out := make([]CaseResponse, len(results))
	for i, r := range results {
		out[i] = CaseResponse{
			CaseID:          r.CaseID,
			SimilarityScore: r.Percent,
			TextPreview:     r.Preview,
			FullText:        r.FullText,
		}
	}
	return out
}
