package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline Prometheus metrics. Registered explicitly from main; no init().
var (
	EmbeddingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusdex",
			Name:      "embedding_requests_total",
			Help:      "Total number of embedding batch requests",
		},
		[]string{"provider", "model", "status"},
	)

	EmbeddingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "corpusdex",
			Name:      "embedding_request_duration_seconds",
			Help:      "Embedding batch request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider", "model"},
	)

	EmbeddingRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusdex",
			Name:      "embedding_retries_total",
			Help:      "Total embedding retries after transient failures",
		},
		[]string{"provider", "model"},
	)

	IngestFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusdex",
			Name:      "ingest_files_total",
			Help:      "Files processed by the ingestion pipeline, by outcome",
		},
		[]string{"status"}, // "ingested" / "skipped" / "failed"
	)

	IngestChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "corpusdex",
			Name:      "ingest_chunks_total",
			Help:      "Chunks written to the vector store",
		},
	)

	SearchQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusdex",
			Name:      "search_queries_total",
			Help:      "Retrieval queries, by outcome",
		},
		[]string{"status"}, // "ok" / "error"
	)

	SearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "corpusdex",
			Name:      "search_duration_seconds",
			Help:      "End-to-end retrieval duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusdex",
			Name:      "backups_total",
			Help:      "Backup operations, by outcome",
		},
		[]string{"operation", "status"}, // operation: "create" / "restore"
	)

	MonitorTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusdex",
			Name:      "monitor_ticks_total",
			Help:      "Folder monitor ticks, by outcome",
		},
		[]string{"status"}, // "run" / "skipped"
	)
)

var registered bool

// Register registers all pipeline metrics. Must be called once from main.
func Register() {
	if registered {
		return
	}
	prometheus.MustRegister(EmbeddingRequestsTotal)
	prometheus.MustRegister(EmbeddingRequestDuration)
	prometheus.MustRegister(EmbeddingRetriesTotal)
	prometheus.MustRegister(IngestFilesTotal)
	prometheus.MustRegister(IngestChunksTotal)
	prometheus.MustRegister(SearchQueriesTotal)
	prometheus.MustRegister(SearchDuration)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(MonitorTicksTotal)
	registered = true
}
