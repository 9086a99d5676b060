package cycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cyclesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vela",
		Subsystem: "cycle",
		Name:      "cycles_total",
		Help:      "Completed decision cycles by result",
	},
	[]string{"result"}, // committed, error, panic
)

var cycleDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "vela",
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Wall time of one full decision cycle",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
)

var rebalancesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "vela",
		Subsystem: "cycle",
		Name:      "rebalances_total",
		Help:      "Allocation rebalances performed",
	},
)

var gateDecisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vela",
		Subsystem: "risk",
		Name:      "gate_decisions_total",
		Help:      "Gate verdicts by result and reason",
	},
	[]string{"result", "reason"},
)

var dailyLossGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "vela",
		Subsystem: "risk",
		Name:      "daily_loss_usd",
		Help:      "Net realized loss since day start",
	},
)

var leverageHealthGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "vela",
		Subsystem: "risk",
		Name:      "leverage_health_factor",
		Help:      "Last observed leverage health factor (0 = never observed)",
	},
)

var tradingHaltedGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "vela",
		Subsystem: "risk",
		Name:      "trading_halted",
		Help:      "1 while the emergency halt is set",
	},
)

var strategiesByStatus = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "vela",
		Subsystem: "registry",
		Name:      "strategies",
		Help:      "Registered strategies by lifecycle status",
	},
	[]string{"status"},
)

var signalsIngestedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "vela",
		Subsystem: "signal",
		Name:      "ingested_total",
		Help:      "Normalized market observations accepted",
	},
)

var outcomesRecordedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "vela",
		Subsystem: "perf",
		Name:      "outcomes_recorded_total",
		Help:      "New trade outcomes folded into the tracker",
	},
)
