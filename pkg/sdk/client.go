package legalytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultUserAgent = "legalytics-go"
	searchPath       = "/api/search"
	messagePath      = "/api/message"
	healthPath       = "/health"
	maxErrorBody     = 64 << 10
)

// Client calls the Legalytics HTTP API. It is safe for concurrent use.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	apiKey    string
	userAgent string
	obs       *observer
}

// New creates a client for the API at baseURL, e.g. "http://localhost:8000".
func New(baseURL string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{timeout: DefaultTimeout, userAgent: defaultUserAgent}
	for _, o := range opts {
		o.apply(cfg)
	}

	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("legalytics: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("legalytics: base url must be http or https, got %q", baseURL)
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}

	obs, err := newObserver(cfg.logger, cfg.metricsReg)
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL:   u,
		http:      hc,
		apiKey:    cfg.apiKey,
		userAgent: cfg.userAgent,
		obs:       obs,
	}, nil
}

// SearchText returns the topK cases most similar to text. topK 0 uses the server default.
func (c *Client) SearchText(ctx context.Context, text string, topK int) ([]Case, error) {
	return c.Search(ctx, SearchRequest{Text: text, TopK: topK})
}

// SearchPDF uploads a judgment PDF and returns the topK most similar cases.
func (c *Client) SearchPDF(ctx context.Context, name string, r io.Reader, topK int) ([]Case, error) {
	return c.Search(ctx, SearchRequest{File: r, FileName: name, TopK: topK})
}

// Search sends a multipart search request.
func (c *Client) Search(ctx context.Context, req SearchRequest) (cases []Case, err error) {
	start := time.Now()
	defer func() { c.obs.observe("search", start, err) }()

	if req.File == nil && strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("legalytics: %w: text or file required", ErrBadRequest)
	}
	if req.TopK < 0 {
		return nil, fmt.Errorf("legalytics: %w: top_k must not be negative", ErrBadRequest)
	}

	body, contentType, err := encodeSearch(req)
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, searchPath, body, contentType, &resp); err != nil {
		return nil, err
	}
	return resp.RetrievedCases, nil
}

// Message returns the greeting of GET /api/message. Useful as a connectivity check.
func (c *Client) Message(ctx context.Context) (msg string, err error) {
	start := time.Now()
	defer func() { c.obs.observe("message", start, err) }()

	var resp messageResponse
	if err := c.do(ctx, http.MethodGet, messagePath, nil, "", &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Health returns the service health. An unhealthy service answers 503 with a
// report; that report is returned without an error.
func (c *Client) Health(ctx context.Context) (status HealthStatus, err error) {
	start := time.Now()
	defer func() { c.obs.observe("health", start, err) }()

	err = c.do(ctx, http.MethodGet, healthPath, nil, "", &status)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable && status.Status != "" {
		return status, nil
	}
	return status, err
}

func encodeSearch(req SearchRequest) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)

	if req.Text != "" {
		if err := mw.WriteField("text", req.Text); err != nil {
			return nil, "", fmt.Errorf("legalytics: encode text: %w", err)
		}
	}
	if req.TopK > 0 {
		if err := mw.WriteField("top_k", strconv.Itoa(req.TopK)); err != nil {
			return nil, "", fmt.Errorf("legalytics: encode top_k: %w", err)
		}
	}
	if req.File != nil {
		name := req.FileName
		if name == "" {
			name = "judgment.pdf"
		}
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			return nil, "", fmt.Errorf("legalytics: encode file: %w", err)
		}
		if _, err := io.Copy(part, req.File); err != nil {
			return nil, "", fmt.Errorf("legalytics: read file: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("legalytics: encode form: %w", err)
	}
	return buf, mw.FormDataContentType(), nil
}

// do sends a request and decodes a JSON body into out. For non-2xx responses
// out is still filled when the body decodes, and an *APIError is returned.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return fmt.Errorf("legalytics: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("legalytics: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("legalytics: decode %s response: %w", path, err)
		}
		return nil
	}
	return decodeError(resp, out)
}

func decodeError(resp *http.Response, out any) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-ID"),
	}

	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Code != "" {
		apiErr.Code = er.Code
		apiErr.Message = er.Message
		return apiErr
	}
	if out != nil {
		_ = json.Unmarshal(raw, out)
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Code == "" {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
	}
	return apiErr
}
