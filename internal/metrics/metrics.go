// Package metrics declares the indexer's Prometheus collectors, partitioned
// by chain.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Watcher
	BatchesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge_indexer",
		Subsystem: "watcher",
		Name:      "batches_committed_total",
		Help:      "Total batches committed",
	}, []string{"chain"})

	EventsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge_indexer",
		Subsystem: "watcher",
		Name:      "events_persisted_total",
		Help:      "Total bridge events inserted, by kind",
	}, []string{"chain", "kind"})

	MalformedItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge_indexer",
		Subsystem: "watcher",
		Name:      "malformed_items_total",
		Help:      "Total monitored items that failed to decode",
	}, []string{"chain"})

	Reorgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge_indexer",
		Subsystem: "watcher",
		Name:      "reorgs_total",
		Help:      "Total reorgs rolled back",
	}, []string{"chain"})

	ReorgDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bridge_indexer",
		Subsystem: "watcher",
		Name:      "reorg_depth_blocks",
		Help:      "Depth of rolled back reorgs",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
	}, []string{"chain"})

	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge_indexer",
		Subsystem: "watcher",
		Name:      "retries_total",
		Help:      "Total batch retries, by error class",
	}, []string{"chain", "class"})

	BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bridge_indexer",
		Subsystem: "watcher",
		Name:      "batch_duration_seconds",
		Help:      "Fetch, decode and commit duration of one batch",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain"})

	CursorHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bridge_indexer",
		Subsystem: "watcher",
		Name:      "cursor_height",
		Help:      "Last committed height",
	}, []string{"chain"})

	HeadHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bridge_indexer",
		Subsystem: "watcher",
		Name:      "head_height",
		Help:      "Last observed indexable head",
	}, []string{"chain"})

	ChainState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bridge_indexer",
		Subsystem: "watcher",
		Name:      "state",
		Help:      "1 for the chain's current health state, 0 otherwise",
	}, []string{"chain", "state"})

	// Outbox publisher
	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge_indexer",
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Total outbox messages published, by sink",
	}, []string{"sink"})

	OutboxFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge_indexer",
		Subsystem: "outbox",
		Name:      "failures_total",
		Help:      "Total failed publish attempts, by sink",
	}, []string{"sink"})

	// Reconciler
	TransfersLinked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge_indexer",
		Subsystem: "reconciler",
		Name:      "links_total",
		Help:      "Total transfer links recorded, by source kind",
	}, []string{"kind"})

	// Verifier
	VerifyMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge_indexer",
		Subsystem: "verifier",
		Name:      "mismatches_total",
		Help:      "Stored events that disagree with a re-decode of the chain, by reason",
	}, []string{"chain", "reason"})
)

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
