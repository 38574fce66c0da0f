package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sarchlab/coretiming/sim/hooking"
	"github.com/sarchlab/coretiming/sim/timing"
)

// schedulerMetrics exports scheduler statistics in the Prometheus format.
// Each monitor owns its registry so that several machines can be monitored
// in one process.
type schedulerMetrics struct {
	registry *prometheus.Registry

	fired    *prometheus.CounterVec
	lateness *prometheus.HistogramVec
}

func newSchedulerMetrics() *schedulerMetrics {
	m := &schedulerMetrics{
		registry: prometheus.NewRegistry(),
		fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coretiming_events_fired_total",
			Help: "Events fired, by event type",
		}, []string{"type"}),
		lateness: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coretiming_event_lateness_cycles",
			Help:    "Cycles between the scheduled and the actual firing time",
			Buckets: []float64{0, 1, 10, 100, 1000, 10000, 100000},
		}, []string{"type"}),
	}

	m.registry.MustRegister(m.fired, m.lateness)

	return m
}

// bind registers the gauges that read from t on every scrape.
func (m *schedulerMetrics) bind(t Target) {
	gauge := func(name, help string, f func(timing.Stats) float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        name,
				Help:        help,
				ConstLabels: prometheus.Labels{"machine": t.ID()},
			},
			func() float64 { return f(t.Stats()) },
		))
	}

	gauge("coretiming_global_timer_cycles",
		"Virtual time at the start of the current slice",
		func(s timing.Stats) float64 { return float64(s.GlobalTimer) })
	gauge("coretiming_slice",
		"Index of the current slice",
		func(s timing.Stats) float64 { return float64(s.Slice) })
	gauge("coretiming_slice_length_cycles",
		"Length of the current slice",
		func(s timing.Stats) float64 { return float64(s.SliceLength) })
	gauge("coretiming_idled_cycles",
		"Cycles skipped by idling",
		func(s timing.Stats) float64 { return float64(s.IdledCycles) })
	gauge("coretiming_pending_events",
		"Events waiting in the event queue",
		func(s timing.Stats) float64 { return float64(s.Pending) })
	gauge("coretiming_queued_requests",
		"Cross-thread requests not drained yet",
		func(s timing.Stats) float64 { return float64(s.Queued) })

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name:        "coretiming_fired_events",
			Help:        "Events fired since the machine started",
			ConstLabels: prometheus.Labels{"machine": t.ID()},
		},
		func() float64 { return float64(t.Stats().FiredEvents) },
	))
}

func (m *schedulerMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Func counts fired events.
func (m *schedulerMetrics) Func(ctx hooking.HookCtx) {
	if ctx.Pos != timing.HookPosAfterEvent {
		return
	}

	evt, ok := ctx.Item.(timing.FiredEvent)
	if !ok {
		return
	}

	m.fired.WithLabelValues(evt.TypeName).Inc()
	m.lateness.WithLabelValues(evt.TypeName).Observe(float64(evt.Lateness))
}

// EventHook returns the hook that feeds the per-type event metrics. It must
// be attached to the scheduler of the registered target.
func (m *Monitor) EventHook() hooking.Hook {
	return m.metrics
}
