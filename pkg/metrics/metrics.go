package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DAG metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamrunner_dag_nodes_total",
			Help: "Total number of DAG nodes by kind (source, processor, sink)",
		},
		[]string{"kind"},
	)

	ChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamrunner_channel_depth",
			Help: "Current number of buffered ExecutorOperations on an edge",
		},
		[]string{"edge"},
	)

	ChannelSendBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrunner_channel_send_blocked_total",
			Help: "Total number of times a node blocked sending on a full outbound channel",
		},
		[]string{"edge"},
	)

	// Epoch metrics
	EpochCurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamrunner_epoch_current",
			Help: "Most recently minted epoch id",
		},
	)

	EpochCloseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamrunner_epoch_close_duration_seconds",
			Help:    "Time spent waiting for every live source to vote on an epoch close",
			Buckets: prometheus.DefBuckets,
		},
	)

	EpochCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamrunner_epoch_commits_total",
			Help: "Total number of epochs committed (non-empty decisions)",
		},
	)

	// Source metrics
	SourceUncommittedOps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamrunner_source_uncommitted_ops",
			Help: "Operations emitted by a source since its last commit",
		},
		[]string{"source"},
	)

	SourceOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrunner_source_ops_total",
			Help: "Total operations emitted by a source",
		},
		[]string{"source"},
	)

	// Aggregation / set operator metrics
	AggregationRecomputeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamrunner_aggregation_recompute_duration_seconds",
			Help:    "Time taken to recompute one aggregator group (MIN/MAX cursor scan)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"function"},
	)

	AggregationOverflowTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrunner_aggregation_overflow_total",
			Help: "Total number of SUM/AVG operations rejected with NumericOverflow",
		},
		[]string{"function"},
	)

	// Cache (materialized view) metrics
	CacheWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamrunner_cache_write_duration_seconds",
			Help:    "Time taken for one cache write transaction (primary + PK index + secondary indexes)",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheRecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamrunner_cache_records_total",
			Help: "Total number of records currently held in the cache, by schema",
		},
		[]string{"schema"},
	)

	CacheQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamrunner_cache_query_duration_seconds",
			Help:    "Time taken for a cache query plan to run, by index kind used",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"index_kind"},
	)

	// Storage metrics
	StoreCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamrunner_store_commit_duration_seconds",
			Help:    "Time taken for a write transaction commit, including CommitAndRenew",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreTxnConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamrunner_store_txn_conflicts_total",
			Help: "Total number of write transaction conflicts observed",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(ChannelDepth)
	prometheus.MustRegister(ChannelSendBlockedTotal)

	prometheus.MustRegister(EpochCurrent)
	prometheus.MustRegister(EpochCloseDuration)
	prometheus.MustRegister(EpochCommitsTotal)

	prometheus.MustRegister(SourceUncommittedOps)
	prometheus.MustRegister(SourceOpsTotal)

	prometheus.MustRegister(AggregationRecomputeDuration)
	prometheus.MustRegister(AggregationOverflowTotal)

	prometheus.MustRegister(CacheWriteDuration)
	prometheus.MustRegister(CacheRecordsTotal)
	prometheus.MustRegister(CacheQueryDuration)

	prometheus.MustRegister(StoreCommitDuration)
	prometheus.MustRegister(StoreTxnConflictsTotal)
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
