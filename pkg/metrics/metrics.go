// Package metrics registers the node's Prometheus instrumentation:
// counters and histograms for the commit path, index registry, raft
// replication, the query pipeline, search flush/compaction, and sync
// subscriptions, served over Handler at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Commit path metrics
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbase_commits_total",
			Help: "Total number of attempted commits by outcome",
		},
		[]string{"outcome"},
	)

	OCCConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docbase_occ_conflicts_total",
			Help: "Total number of OCC validation failures",
		},
	)

	CommitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docbase_commit_latency_seconds",
			Help:    "Time taken to run the full commit path in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Index registry metrics
	IndexesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docbase_indexes_total",
			Help: "Total number of indexes by kind and state",
		},
		[]string{"kind", "state"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docbase_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docbase_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docbase_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docbase_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docbase_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbase_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docbase_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Query pipeline metrics
	QueryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docbase_query_latency_seconds",
			Help:    "Time taken to run a query to completion or a page boundary",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueryPaginationLimitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docbase_query_pagination_limits_total",
			Help: "Total number of queries that hit a row or byte scan limit",
		},
	)

	// Text/vector search metrics
	SearchMemoryIndexSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docbase_search_memory_index_size_bytes",
			Help: "Estimated size of a search index's in-memory tail, by search type",
		},
		[]string{"search_type", "index_id"},
	)

	FlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docbase_flush_duration_seconds",
			Help:    "Time taken for a flush cycle in seconds, by search type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"search_type"},
	)

	FlushCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbase_flush_cycles_total",
			Help: "Total number of flush cycles completed, by search type",
		},
		[]string{"search_type"},
	)

	CompactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docbase_compaction_duration_seconds",
			Help:    "Time taken for a compaction cycle in seconds, by search type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"search_type"},
	)

	CompactionCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbase_compaction_cycles_total",
			Help: "Total number of compaction cycles completed, by search type",
		},
		[]string{"search_type"},
	)

	SearchMergeRequiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbase_search_merge_required_total",
			Help: "Total number of metadata writer commits that required a delete-merge reconciliation",
		},
		[]string{"search_type"},
	)

	VectorBootstrapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docbase_vector_bootstrap_duration_seconds",
			Help:    "Time taken for vector index bootstrap replay in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300},
		},
	)

	// Sync / subscription metrics
	SyncActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docbase_sync_active_sessions",
			Help: "Number of active client sync sessions",
		},
	)

	SyncTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docbase_sync_transitions_total",
			Help: "Total number of transitions pushed to clients",
		},
	)

	SubscriptionInvalidationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docbase_subscription_invalidations_total",
			Help: "Total number of subscriptions invalidated by a commit",
		},
	)
)

func init() {
	// Register commit and index metrics
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(OCCConflictsTotal)
	prometheus.MustRegister(CommitLatency)
	prometheus.MustRegister(IndexesTotal)

	// Register Raft metrics
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)

	// Register API metrics
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)

	// Register query pipeline metrics
	prometheus.MustRegister(QueryLatency)
	prometheus.MustRegister(QueryPaginationLimitsTotal)

	// Register search metrics
	prometheus.MustRegister(SearchMemoryIndexSizeBytes)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(FlushCyclesTotal)
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(CompactionCyclesTotal)
	prometheus.MustRegister(SearchMergeRequiredTotal)
	prometheus.MustRegister(VectorBootstrapDuration)

	// Register sync metrics
	prometheus.MustRegister(SyncActiveSessions)
	prometheus.MustRegister(SyncTransitionsTotal)
	prometheus.MustRegister(SubscriptionInvalidationsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
