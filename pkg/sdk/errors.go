package legalytics

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors matched by *APIError. Use errors.Is() to check.
var (
	ErrBadRequest      = errors.New("bad request")
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrExtractionEmpty = errors.New("no text extracted from file")
	ErrNoResults       = errors.New("no similar cases found")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrRateLimited     = errors.New("rate limited")
	ErrSearchTimeout   = errors.New("search timed out")
	ErrOverloaded      = errors.New("server busy")
	ErrServer          = errors.New("server error")
)

// Error codes returned in the "code" field of an error response.
const (
	CodeBadRequest      = "bad_request"
	CodeUnsupportedFile = "unsupported_file"
	CodeExtractionEmpty = "extraction_empty"
	CodeNoResults       = "no_results"
	CodePayloadTooLarge = "payload_too_large"
	CodeUnauthorized    = "unauthorized"
	CodeRateLimited     = "rate_limited"
	CodeSearchTimeout   = "search_timeout"
	CodeOverloaded      = "overloaded"
	CodeInternal        = "internal_error"
)

var codeErrors = map[string]error{
	CodeBadRequest:      ErrBadRequest,
	CodeUnsupportedFile: ErrUnsupportedFile,
	CodeExtractionEmpty: ErrExtractionEmpty,
	CodeNoResults:       ErrNoResults,
	CodePayloadTooLarge: ErrPayloadTooLarge,
	CodeUnauthorized:    ErrUnauthorized,
	CodeRateLimited:     ErrRateLimited,
	CodeSearchTimeout:   ErrSearchTimeout,
	CodeOverloaded:      ErrOverloaded,
	CodeInternal:        ErrServer,
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("legalytics: %d %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("legalytics: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps the response to a sentinel, by code first and by status when the
// code is unknown (for example an error page from a proxy).
func (e *APIError) Unwrap() error {
	if err, ok := codeErrors[e.Code]; ok {
		return err
	}
	switch e.StatusCode {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNoResults
	case http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLarge
	case http.StatusUnprocessableEntity:
		return ErrExtractionEmpty
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusServiceUnavailable:
		return ErrOverloaded
	case http.StatusGatewayTimeout:
		return ErrSearchTimeout
	}
	if e.StatusCode >= http.StatusInternalServerError {
		return ErrServer
	}
	return nil
}
