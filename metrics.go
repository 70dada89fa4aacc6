package ivm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Library-level collectors. The host registers them with its own registry
// via Collectors; the library never starts a metrics endpoint itself.
var (
	metricIsolatesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ivm_isolates_active",
		Help: "Isolates currently alive (created and not yet disposed).",
	})
	metricExternalBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ivm_external_copy_bytes",
		Help: "Bytes held out-of-heap by live external copies.",
	})
	metricTasksScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ivm_tasks_scheduled_total",
		Help: "Cross-isolate tasks queued through the async and ignored paths.",
	})
)

// Collectors returns the library's prometheus collectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		metricIsolatesActive,
		metricExternalBytes,
		metricTasksScheduled,
	}
}
