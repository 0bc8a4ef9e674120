// Package metrics exposes Prometheus instrumentation for the append
// path, snapshot/anchor cadence, and verification outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters/histograms the engine updates, plus
// ReceiptVerification, which is registered but not incremented by any
// package in this module. Construct once per process with NewRegistry and
// pass the *Metrics down to pkg/engine.
type Metrics struct {
	EventsAppended      *prometheus.CounterVec
	EventsRejected      *prometheus.CounterVec
	IdempotentReplays   prometheus.Counter
	AppendDuration      *prometheus.HistogramVec
	SnapshotsTaken      prometheus.Counter
	AnchorsMinted       prometheus.Counter
	AnchorChainLength   prometheus.Gauge
	ReceiptVerification *prometheus.CounterVec
}

// NewRegistry registers and returns a fresh Metrics bundle on reg.
func NewRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decision_ledger",
			Name:      "events_appended_total",
			Help:      "Accepted events appended to a decision's log, by event type.",
		}, []string{"event_type"}),
		EventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decision_ledger",
			Name:      "events_rejected_total",
			Help:      "Events rejected by the reducer, by violation code.",
		}, []string{"code"}),
		IdempotentReplays: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "decision_ledger",
			Name:      "idempotent_replays_total",
			Help:      "Appends short-circuited as a replay of an existing idempotency key.",
		}),
		AppendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "decision_ledger",
			Name:      "append_duration_seconds",
			Help:      "Wall-clock time for one AppendEvent call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		SnapshotsTaken: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "decision_ledger",
			Name:      "snapshots_taken_total",
			Help:      "Snapshots materialized under the active snapshot policy.",
		}),
		AnchorsMinted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "decision_ledger",
			Name:      "anchors_minted_total",
			Help:      "Rows appended to the global anchor chain.",
		}),
		AnchorChainLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "decision_ledger",
			Name:      "anchor_chain_length",
			Help:      "Current length of the global anchor chain.",
		}),
		ReceiptVerification: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decision_ledger",
			Name:      "receipt_verification_total",
			Help:      "Offline receipt verification outcomes.",
		}, []string{"result"}),
	}
}
