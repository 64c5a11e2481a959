// Package metrics exposes the bot's prometheus metrics on a private
// registry, served by the operational API at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the custom prometheus registry for tbot metrics.
var Registry = prometheus.NewRegistry()

var (
	// EvaluationsTotal counts strategy evaluations by symbol and tier.
	EvaluationsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tbot",
			Subsystem: "strategy",
			Name:      "evaluations_total",
			Help:      "Strategy evaluations by resulting tier",
		},
		[]string{"strategy", "symbol", "tier"},
	)

	// EvaluationDuration observes evaluation wall time.
	EvaluationDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tbot",
			Subsystem: "strategy",
			Name:      "evaluation_seconds",
			Help:      "Evaluation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	// OrdersTotal counts submitted orders by venue and final status.
	OrdersTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tbot",
			Subsystem: "orders",
			Name:      "total",
			Help:      "Orders submitted by venue and status",
		},
		[]string{"exchange", "status"},
	)

	// OpenPositions gauges currently open positions.
	OpenPositions = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tbot",
			Subsystem: "positions",
			Name:      "open",
			Help:      "Open positions",
		},
	)

	// ActiveHedges gauges currently active hedges.
	ActiveHedges = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tbot",
			Subsystem: "hedging",
			Name:      "active",
			Help:      "Active hedge positions",
		},
	)

	// WSReconnects counts private-stream reconnect attempts.
	WSReconnects = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "tbot",
			Subsystem: "ws",
			Name:      "reconnects_total",
			Help:      "Private WebSocket reconnect attempts",
		},
	)

	// AccountEquity gauges the last observed account equity.
	AccountEquity = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tbot",
			Subsystem: "account",
			Name:      "equity",
			Help:      "Account equity in USDT",
		},
	)
)
