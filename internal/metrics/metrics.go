// Package metrics exports Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	CyclesTotal     prometheus.Counter
	CycleDuration   prometheus.Histogram
	OrdersTotal     *prometheus.CounterVec
	DecisionsTotal  *prometheus.CounterVec
	GateActivations *prometheus.CounterVec
	PortfolioValue  prometheus.Gauge
	CashRatio       prometheus.Gauge
	TrendPositions  prometheus.Gauge
}

// New registers the collectors on reg (or the default registerer when
// nil) and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_cycles_total",
			Help: "Completed trading cycles.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_cycle_duration_seconds",
			Help:    "Wall time per trading cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Executed orders by side and intent kind.",
		}, []string{"side", "kind"}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_decisions_total",
			Help: "Trade decisions by action and outcome.",
		}, []string{"action", "allowed"}),
		GateActivations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_gate_activations_total",
			Help: "Safety gate activations by gate.",
		}, []string{"gate"}),
		PortfolioValue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_portfolio_value",
			Help: "Total portfolio value in quote currency.",
		}),
		CashRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_cash_ratio",
			Help: "Cash as a fraction of total portfolio value.",
		}),
		TrendPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_trend_positions",
			Help: "Currently managed trend-asset positions.",
		}),
	}
}
