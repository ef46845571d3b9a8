// Package metrics exposes the Prometheus instrumentation for the
// reconciliation loop. All collectors are registered on the default registry
// and served by the /metrics endpoint in main.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pegmaker_ticks_total",
		Help: "Completed reconciliation ticks.",
	})

	TickErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pegmaker_tick_errors_total",
		Help: "Ticks aborted by an error.",
	})

	OrdersPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pegmaker_orders_placed_total",
		Help: "Limit maker orders placed, by side and strategy.",
	}, []string{"side", "strategy"})

	OrdersCanceledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pegmaker_orders_canceled_total",
		Help: "Orders canceled by the requote and supersede paths.",
	})

	OrderRejectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pegmaker_order_rejects_total",
		Help: "Order placements rejected by the exchange.",
	})

	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pegmaker_fills_total",
		Help: "Fills applied to durable state, by side and strategy.",
	}, []string{"side", "strategy"})

	DuplicateFillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pegmaker_duplicate_fills_total",
		Help: "Fill notifications skipped because the trade id was already recorded.",
	})

	ConsistencyViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pegmaker_consistency_violations_total",
		Help: "Fills dropped because they contradicted local state.",
	})

	RealizedProfit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pegmaker_realized_profit_quote",
		Help: "Cumulative realized profit in quote units, by strategy.",
	}, []string{"strategy"})

	PositionBase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pegmaker_position_base",
		Help: "Inventory held in base units, by strategy.",
	}, []string{"strategy"})

	OpenOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pegmaker_open_orders",
		Help: "Orders currently resting on the exchange.",
	})

	MidPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pegmaker_mid_price",
		Help: "Last observed mid price.",
	})

	SpreadBps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pegmaker_spread_bps",
		Help: "Last observed top-of-book spread in basis points.",
	})

	GridRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pegmaker_grid_rebuilds_total",
		Help: "Grid generations superseded and rebuilt after peg drift.",
	})

	LastTickUnix = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pegmaker_last_tick_timestamp_seconds",
		Help: "Unix time of the last completed tick.",
	})
)
