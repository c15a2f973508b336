package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ron111104/LEGALYTICS/internal/version"
)

// Retrieval Prometheus metrics.
var (
	// SearchOutcomesTotal counts requests by terminal state and failure kind.
	SearchOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_outcomes_total",
			Help:      "Search requests by terminal state",
		},
		[]string{"state", "kind", "input"},
	)

	// SearchStageDuration tracks time spent in each pipeline stage.
	SearchStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_stage_duration_seconds",
			Help:      "Search pipeline stage duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"},
	)

	// SearchCandidates observes how many candidates the index returned.
	SearchCandidates = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_candidates",
			Help:      "Candidates returned by the vector index per query",
			Buckets:   []float64{0, 1, 3, 5, 10, 20, 50, 100},
		},
	)

	// CorpusCases is the number of cases loaded at startup.
	CorpusCases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "corpus_cases",
			Help:      "Number of cases in the loaded corpus",
		},
	)

	// CorpusDimensions is the embedding dimension of the loaded corpus.
	CorpusDimensions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "corpus_dimensions",
			Help:      "Embedding dimension of the loaded corpus",
		},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build metadata",
		},
		[]string{"version", "commit"},
	)
)

var searchMetricsRegistered bool

// RegisterSearchMetrics registers retrieval and corpus metrics. Must be called once from main.
func RegisterSearchMetrics() {
	if searchMetricsRegistered {
		return
	}
	prometheus.MustRegister(SearchOutcomesTotal)
	prometheus.MustRegister(SearchStageDuration)
	prometheus.MustRegister(SearchCandidates)
	prometheus.MustRegister(CorpusCases)
	prometheus.MustRegister(CorpusDimensions)
	prometheus.MustRegister(buildInfo)
	buildInfo.WithLabelValues(version.Version, version.Commit).Set(1)
	searchMetricsRegistered = true
}

// SetCorpus records the size of the loaded corpus.
func SetCorpus(cases, dim int) {
	CorpusCases.Set(float64(cases))
	CorpusDimensions.Set(float64(dim))
}
