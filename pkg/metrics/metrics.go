// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the service exports. A single instance is
// created at startup and shared by the pipeline, handlers, and ingestor.
type Metrics struct {
	QueriesTotal      *prometheus.CounterVec
	QueryDuration     *prometheus.HistogramVec
	RetrievalTopScore prometheus.Histogram
	RetrievedChunks   prometheus.Histogram
	AnswerConfidence  prometheus.Histogram
	CacheEvents       *prometheus.CounterVec
	LLMTokensTotal    *prometheus.CounterVec
	IngestDocuments   *prometheus.CounterVec
	IngestChunks      *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New registers all collectors on the given registerer (use
// prometheus.DefaultRegisterer in production, a fresh registry in tests).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbot_queries_total",
			Help: "RAG queries processed, by outcome.",
		}, []string{"outcome"}), // answered, fallback, cached, error
		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatbot_query_stage_duration_seconds",
			Help:    "Latency of each pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"stage"}), // enhance, embed, retrieve, rerank, generate, total
		RetrievalTopScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatbot_retrieval_top_score",
			Help:    "Best reranked relevance score per query.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		RetrievedChunks: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatbot_retrieved_chunks",
			Help:    "Chunks surviving the rerank filter per query.",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		}),
		AnswerConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatbot_answer_confidence",
			Help:    "Confidence score of returned answers.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		CacheEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbot_cache_events_total",
			Help: "Answer cache hits and misses.",
		}, []string{"result"}), // hit, miss
		LLMTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbot_llm_tokens_total",
			Help: "Tokens consumed by generation, by backend.",
		}, []string{"backend"}),
		IngestDocuments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbot_ingest_documents_total",
			Help: "Documents ingested, by source and outcome.",
		}, []string{"source", "outcome"}), // indexed, skipped, failed
		IngestChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbot_ingest_chunks_total",
			Help: "Chunks written to the vector store, by source.",
		}, []string{"source"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbot_http_requests_total",
			Help: "HTTP requests, by route, method, and status code.",
		}, []string{"route", "method", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatbot_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"route"}),
	}
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(route, method string, code int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())
}
