// Package metrics exposes the indexer's Prometheus instrumentation: payments
// dispatched, adapter reconnects, and lease acquisition outcomes, per
// SPEC_FULL.md §2's ambient observability component.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PaymentsDispatched counts DetectedPayment jobs successfully enqueued
	// to WQ, labeled by chain.
	PaymentsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_payments_dispatched_total",
		Help: "Total DetectedPayment jobs enqueued to the work queue.",
	}, []string{"chain"})

	// QueueErrors counts WQ enqueue failures, labeled by chain.
	QueueErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_queue_errors_total",
		Help: "Total work-queue enqueue failures.",
	}, []string{"chain"})

	// AdapterReconnects counts transport reconnection attempts, labeled by
	// chain and adapter family.
	AdapterReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_adapter_reconnects_total",
		Help: "Total adapter transport reconnection attempts.",
	}, []string{"chain", "family"})

	// LeaseAcquisitions counts lease attempts, labeled by chain and outcome
	// ("acquired" or "conflict").
	LeaseAcquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_lease_acquisitions_total",
		Help: "Total singleton lease acquisition attempts by outcome.",
	}, []string{"chain", "outcome"})

	// WatchedAddresses tracks the current registry size, labeled by chain.
	WatchedAddresses = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "indexer_watched_addresses",
		Help: "Current number of watched addresses per chain.",
	}, []string{"chain"})
)

func init() {
	prometheus.MustRegister(PaymentsDispatched, QueueErrors, AdapterReconnects, LeaseAcquisitions, WatchedAddresses)
}
