package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileOpenReferences = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "carebid",
		Subsystem: "reconciliation",
		Name:      "open_references",
		Help:      "Number of pending or authorized payment references checked in the last run.",
	})

	reconcileVoidedHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "carebid",
		Subsystem: "reconciliation",
		Name:      "voided_holds",
		Help:      "Number of orphaned holds voided in the last run.",
	})

	reconcileFinalized = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "carebid",
		Subsystem: "reconciliation",
		Name:      "finalized_completions",
		Help:      "Number of captured requests completed in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "carebid",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "carebid",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileOpenReferences,
		reconcileVoidedHolds,
		reconcileFinalized,
		reconcileDuration,
		reconcileErrors,
	)
}
