package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetricsOnce ensures metrics are only initialized once.
var engineMetricsOnce sync.Once

// engineMetricsInstance is the singleton instance of engine metrics.
var engineMetricsInstance *Metrics

// Metrics holds all Prometheus metrics for the sync engine. Metrics feed
// external monitoring only; no control flow reads them.
type Metrics struct {
	SavesTotal        prometheus.Counter
	SaveFailures      prometheus.Counter
	RetriesTotal      prometheus.Counter
	ConflictsResolved *prometheus.CounterVec // statesync_conflicts_resolved_total{strategy}
	Recoveries        prometheus.Counter
	BroadcastsSent    prometheus.Counter
	BroadcastsDropped prometheus.Counter
	StateSizeBytes    prometheus.Gauge
}

// InitMetrics initializes engine metrics. Metrics are only registered once;
// subsequent calls return the same instance. Pass nil to use the default
// Prometheus registry.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	engineMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		engineMetricsInstance = &Metrics{
			SavesTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "statesync_saves_total",
				Help: "Total successful state persists",
			}),
			SaveFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "statesync_save_failures_total",
				Help: "Total saves that failed after exhausting retries",
			}),
			RetriesTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "statesync_persist_retries_total",
				Help: "Total failed persist attempts, including retried ones",
			}),
			ConflictsResolved: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "statesync_conflicts_resolved_total",
				Help: "Total conflicts reconciled, by strategy",
			}, []string{"strategy"}),
			Recoveries: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "statesync_recoveries_total",
				Help: "Total corruption recoveries that reverted to the fallback snapshot",
			}),
			BroadcastsSent: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "statesync_broadcasts_sent_total",
				Help: "Total state updates published to other contexts",
			}),
			BroadcastsDropped: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "statesync_broadcasts_dropped_total",
				Help: "Total inbound broadcasts dropped by rate limiting",
			}),
			StateSizeBytes: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "statesync_state_size_bytes",
				Help: "Serialized size of the last persisted state blob",
			}),
		}
	})

	return engineMetricsInstance
}
