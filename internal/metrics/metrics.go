// Package metrics exposes the bot's Prometheus series:
//
//	expirybot_order_attempts_total{side}          exchange calls, retries included
//	expirybot_orders_total{side,status}           settled orders by outcome
//	expirybot_emergency_orders_total              emergency exit fallbacks
//	expirybot_feed_reconnects_total               market-data reconnects
//	expirybot_exits_total{reason}                 exits split by ladder rule
//	expirybot_positions_total{result}             finished positions (win|loss|failed)
//	expirybot_evaluation_panics_total             recovered actor panics
//	expirybot_open_positions                      live positions (gauge)
//	expirybot_tracked_markets                     markets with an actor (gauge)
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// Metrics owns a registry so tests and multiple engines never collide on the
// global default.
type Metrics struct {
	reg *prometheus.Registry

	orderAttempts *prometheus.CounterVec
	orders        *prometheus.CounterVec
	emergency     prometheus.Counter
	reconnects    prometheus.Counter
	exits         *prometheus.CounterVec
	positions     *prometheus.CounterVec
	panics        prometheus.Counter
	openPositions prometheus.Gauge
	markets       prometheus.Gauge
}

// New registers every series plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		orderAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expirybot_order_attempts_total",
				Help: "Exchange order calls, retries included",
			},
			[]string{"side"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expirybot_orders_total",
				Help: "Orders settled, by side and final status",
			},
			[]string{"side", "status"},
		),
		emergency: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "expirybot_emergency_orders_total",
				Help: "Emergency exit orders sent after retries ran out near expiry",
			},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "expirybot_feed_reconnects_total",
				Help: "Market-data stream reconnects",
			},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expirybot_exits_total",
				Help: "Exit decisions split by reason",
			},
			[]string{"reason"},
		),
		positions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expirybot_positions_total",
				Help: "Finished positions by result (win|loss|failed)",
			},
			[]string{"result"},
		),
		panics: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "expirybot_evaluation_panics_total",
				Help: "Panics recovered inside market evaluation",
			},
		),
		openPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "expirybot_open_positions",
				Help: "Positions currently entering, open or exiting",
			},
		),
		markets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "expirybot_tracked_markets",
				Help: "Markets with a running actor",
			},
		),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.reg.MustRegister(m.orderAttempts, m.orders, m.emergency, m.reconnects)
	m.reg.MustRegister(m.exits, m.positions, m.panics)
	m.reg.MustRegister(m.openPositions, m.markets)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) OrderAttempt(side domain.OrderSide) {
	m.orderAttempts.WithLabelValues(string(side)).Inc()
}

func (m *Metrics) OrderOutcome(side domain.OrderSide, status domain.OrderStatus) {
	m.orders.WithLabelValues(string(side), string(status)).Inc()
}

func (m *Metrics) EmergencyOrder() { m.emergency.Inc() }
func (m *Metrics) FeedReconnect()  { m.reconnects.Inc() }

func (m *Metrics) ExitDecided(reason domain.ExitReason) {
	m.exits.WithLabelValues(string(reason)).Inc()
}

// PositionFinished counts a Closed or Failed position.
func (m *Metrics) PositionFinished(p domain.Position) {
	result := "loss"
	switch {
	case p.State == domain.StateFailed:
		result = "failed"
	case p.RealizedPnL > 0:
		result = "win"
	}
	m.positions.WithLabelValues(result).Inc()
}

func (m *Metrics) EvaluationPanic()       { m.panics.Inc() }
func (m *Metrics) SetOpenPositions(n int) { m.openPositions.Set(float64(n)) }
func (m *Metrics) SetMarkets(n int)       { m.markets.Set(float64(n)) }
