// Package metrics exposes Prometheus collectors for the mapping and
// durability layers. Collectors are registered on the default registry
// through promauto, so importing the package is enough to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlushesTotal counts flush/persist calls, labeled by granularity and
	// operation ("flush", "drain", "persist").
	FlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmemcore_flushes_total",
			Help: "Total number of durability operations issued",
		},
		[]string{"granularity", "op"},
	)

	// PageSubFlushesTotal counts the OS-level flush calls a page persist was
	// split into (one per mapping touched).
	PageSubFlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pmemcore_page_subflushes_total",
			Help: "Total number of OS buffer flush calls issued by page-granularity persists",
		},
	)

	// PageFlushBytes measures how many bytes each OS-level flush covered.
	PageFlushBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pmemcore_page_flush_bytes",
			Help:    "Size in bytes of OS buffer flush calls",
			Buckets: prometheus.ExponentialBuckets(4096, 4, 10), // 4KiB .. 1GiB
		},
	)

	// RegisteredMappings tracks how many mappings are live in a runtime.
	RegisteredMappings = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pmemcore_registered_mappings",
			Help: "Number of mappings currently registered",
		},
	)

	// ShutdownStateChecks counts shutdown-state check outcomes:
	// "clean", "reinit_zero", "reinit_checksum", "reinit_killed",
	// "reinit_power_loss_closed", "corruption_risk".
	ShutdownStateChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmemcore_shutdown_state_checks_total",
			Help: "Outcomes of shutdown state consistency checks",
		},
		[]string{"outcome"},
	)
)
