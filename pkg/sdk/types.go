package legalytics

import "io"

// Case is one retrieved judgment.
type Case struct {
	CaseID string `json:"Case ID"`
	// SimilarityScore is the cosine similarity as a percentage with two decimals.
	SimilarityScore float64 `json:"Similarity Score"`
	TextPreview     string  `json:"Text Preview"`
	FullText        string  `json:"Full Text"`
}

// SearchRequest is a query for POST /api/search. File takes precedence over
// Text on the server when both are set.
type SearchRequest struct {
	Text string

	File     io.Reader
	FileName string

	// TopK is the number of cases to return; 0 uses the server default.
	TopK int
}

// HealthStatus is the aggregated service health.
type HealthStatus struct {
	Status  string            `json:"status"` // "ok", "degraded", "error"
	Checks  map[string]string `json:"checks"` // component -> "ok"/"error"
	Cases   int               `json:"cases"`
	Version string            `json:"version"`
}

// OK reports whether every component is healthy.
func (h HealthStatus) OK() bool { return h.Status == "ok" }

type searchResponse struct {
	RetrievedCases []Case `json:"retrieved_cases"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
