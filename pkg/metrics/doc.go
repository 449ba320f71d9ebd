/*
Package metrics provides Prometheus metrics collection and exposition for
the streaming dataflow engine.

The metrics package defines and registers every engine metric using the
Prometheus client library, giving observability into DAG execution,
epoch progress, aggregation state, and cache/storage performance.
Metrics are exposed via an HTTP endpoint for scraping by Prometheus
servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  DAG: node count, channel depth, blocking   │          │
	│  │  Epoch: current id, close duration, commits │          │
	│  │  Source: uncommitted ops, ops total         │          │
	│  │  Aggregation: recompute latency, overflow   │          │
	│  │  Cache: write duration, records, query time │          │
	│  │  Storage: commit duration, txn conflicts    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

Every metric below is registered and exported. The engine packages
record into the channel, epoch and source metrics only; the node-count,
aggregation, cache and storage metrics are not updated by any engine
package and stay at their zero values unless a caller records into them.

DAG Metrics:

streamrunner_dag_nodes_total{kind}:
  - Type: Gauge
  - Description: Total DAG nodes by kind (source/processor/sink)

streamrunner_channel_depth{edge}:
  - Type: Gauge
  - Description: Current buffered ExecutorOperation count on an edge

streamrunner_channel_send_blocked_total{edge}:
  - Type: Counter
  - Description: Total times a node blocked sending on a full outbound channel

Epoch Metrics:

streamrunner_epoch_current:
  - Type: Gauge
  - Description: Most recently minted epoch id

streamrunner_epoch_close_duration_seconds:
  - Type: Histogram
  - Description: Time spent collecting every live source's vote for a close

streamrunner_epoch_commits_total:
  - Type: Counter
  - Description: Total epochs committed (non-empty decisions)

Source Metrics:

streamrunner_source_uncommitted_ops{source}:
  - Type: Gauge
  - Description: Operations emitted by a source since its last commit

streamrunner_source_ops_total{source}:
  - Type: Counter
  - Description: Total operations emitted by a source

Aggregation Metrics:

streamrunner_aggregation_recompute_duration_seconds{function}:
  - Type: Histogram
  - Description: Time to recompute one aggregator group (MIN/MAX cursor scan)

streamrunner_aggregation_overflow_total{function}:
  - Type: Counter
  - Description: Total SUM/AVG operations rejected with NumericOverflow

Cache Metrics:

streamrunner_cache_write_duration_seconds:
  - Type: Histogram
  - Description: Time for one cache write transaction (primary + indexes)

streamrunner_cache_records_total{schema}:
  - Type: Gauge
  - Description: Records currently held in the cache, by schema

streamrunner_cache_query_duration_seconds{index_kind}:
  - Type: Histogram
  - Description: Time for a cache query plan to run, by index kind used

Storage Metrics:

streamrunner_store_commit_duration_seconds:
  - Type: Histogram
  - Description: Write transaction commit time, including CommitAndRenew

streamrunner_store_txn_conflicts_total:
  - Type: Counter
  - Description: Total write transaction conflicts observed

# Usage

	import "github.com/cuemby/streamrunner/pkg/metrics"

	metrics.ChannelDepth.WithLabelValues("source->agg").Set(12)
	metrics.EpochCommitsTotal.Inc()

	timer := metrics.NewTimer()
	// ... run the cache write ...
	timer.ObserveDuration(metrics.CacheWriteDuration)

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

Package Init Registration:
  - All metrics registered in init(); MustRegister panics on duplicate
    registration, so metrics are available before main() runs.

Label Discipline:
  - Labels are bounded (edge name, source name, function name, schema
    name, index kind) — never record ids or timestamps as labels.

Timer Pattern:
  - Create a Timer at an operation's start, call ObserveDuration (or
    ObserveDurationVec for label-carrying histograms) when it finishes.

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
