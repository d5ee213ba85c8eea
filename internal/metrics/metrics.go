// Package metrics holds the Prometheus collectors for the trading engine.
//
//	spreadbot_cycles_total{outcome}           decision cycles by outcome
//	spreadbot_cycle_duration_seconds          cycle wall time
//	spreadbot_entries_total{kind,source}      positions opened
//	spreadbot_overrides_total                 advisor overrides of an ML stay-out
//	spreadbot_rr_rejections_total             candidates rejected by the R:R gate
//	spreadbot_exits_total{reason}             scale-outs and closes by reason
//	spreadbot_settlements_total{outcome}      expired positions by outcome
//	spreadbot_open_positions                  open positions after the last cycle
//	spreadbot_realized_pnl_today              realized dollars this session day
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

const namespace = "spreadbot"

// Metrics is the engine's collector set.
type Metrics struct {
	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	Entries       *prometheus.CounterVec
	Overrides     prometheus.Counter
	RRRejections  prometheus.Counter
	Exits         *prometheus.CounterVec
	Settlements   *prometheus.CounterVec
	OpenPositions prometheus.Gauge
	RealizedToday prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Decision cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Decision cycle wall time in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		Entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_total",
			Help:      "Positions opened by spread kind and signal source.",
		}, []string{"kind", "source"}),
		Overrides: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overrides_total",
			Help:      "Advisor trades taken against an ML stay-out.",
		}),
		RRRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rr_rejections_total",
			Help:      "Entry candidates rejected by the reward to risk gate.",
		}),
		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exits_total",
			Help:      "Scale-outs and closes by exit reason.",
		}, []string{"reason"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Expired positions settled by outcome.",
		}, []string{"outcome"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Open positions after the last cycle.",
		}),
		RealizedToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl_today",
			Help:      "Realized P&L in dollars for the current session day.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.Cycles,
		m.CycleDuration,
		m.Entries,
		m.Overrides,
		m.RRRejections,
		m.Exits,
		m.Settlements,
		m.OpenPositions,
		m.RealizedToday,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Observe updates the collectors from one engine event. Failed exits are
// not counted.
func (m *Metrics) Observe(ev domain.Event) {
	if m == nil {
		return
	}
	switch ev.Type {
	case domain.EventCycleFinished:
		if c := ev.Cycle; c != nil {
			m.Cycles.WithLabelValues(string(c.Outcome)).Inc()
			if !c.StartedAt.IsZero() && !c.FinishedAt.IsZero() {
				m.CycleDuration.Observe(c.FinishedAt.Sub(c.StartedAt).Seconds())
			}
			if c.Entry == domain.EntryRejectedRR {
				m.RRRejections.Inc()
			}
		}
	case domain.EventPositionOpened:
		if p := ev.Position; p != nil {
			m.Entries.WithLabelValues(string(p.Kind), p.Entry.Source).Inc()
		}
	case domain.EventArbiterOverride:
		m.Overrides.Inc()
	case domain.EventPositionScaledOut, domain.EventPositionClosed:
		if x := ev.Exit; x != nil && x.Error == "" {
			m.Exits.WithLabelValues(string(x.Reason)).Inc()
		}
	case domain.EventPositionExpired:
		if s := ev.Settlement; s != nil {
			m.Settlements.WithLabelValues(string(s.Outcome)).Inc()
		}
	}
}

// SetBook records the open position count and today's realized P&L.
func (m *Metrics) SetBook(open int, realizedToday float64) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(open))
	m.RealizedToday.Set(realizedToday)
}
