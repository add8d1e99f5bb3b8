package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signal-core/internal/events"
	"signal-core/internal/execution"
	"signal-core/pkg/exchanges/common"
)

// Metrics holds the prometheus collectors of the service.
type Metrics struct {
	reg *prometheus.Registry

	Outcomes         *prometheus.CounterVec
	ExecutionSeconds *prometheus.HistogramVec
	ThrottleWait     *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. pendingFills and busDropped
// back gauges; either may be nil.
func NewMetrics(reg *prometheus.Registry, pendingFills func() int, busDropped func() uint64) *Metrics {
	m := &Metrics{
		reg: reg,
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "signal_outcomes_total", Help: "Lifecycle outcomes by kind"},
			[]string{"kind"},
		),
		ExecutionSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signal_execution_seconds",
				Help:    "Duration of one signal execution",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),
		ThrottleWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchange_throttle_wait_seconds",
				Help:    "Time spent waiting on exchange throttles",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"bucket"},
		),
	}
	reg.MustRegister(m.Outcomes, m.ExecutionSeconds, m.ThrottleWait)

	if pendingFills != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "signal_pending_fills", Help: "Entry orders awaiting a fill"},
			func() float64 { return float64(pendingFills()) },
		))
	}
	if busDropped != nil {
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "signal_outcomes_dropped_total", Help: "Outcomes dropped for slow subscribers"},
			func() float64 { return float64(busDropped()) },
		))
	}
	return m
}

// ObserveOutcome counts o.
func (m *Metrics) ObserveOutcome(o events.Outcome) {
	m.Outcomes.WithLabelValues(string(o.Kind)).Inc()
}

// ObserveExecution records the latency of a finished execution.
func (m *Metrics) ObserveExecution(res execution.Result) {
	m.ExecutionSeconds.WithLabelValues(string(res.Status)).Observe(res.Latency.Seconds())
}

// ObserveThrottle records a throttle wait.
func (m *Metrics) ObserveThrottle(b common.Bucket, d time.Duration) {
	m.ThrottleWait.WithLabelValues(string(b)).Observe(d.Seconds())
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
