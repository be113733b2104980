package serve

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	monument "github.com/monument-sim/monument"
)

// Metrics holds the Prometheus collectors for the simulation server.
type Metrics struct {
	ActionsTotal *prometheus.CounterVec
	TicksTotal   *prometheus.CounterVec
	WSClients    prometheus.Gauge
	MergeSeconds prometheus.Histogram
}

// NewMetrics creates and registers all collectors on reg; a nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monument_actions_total",
				Help: "Resolved actions by namespace and outcome",
			},
			[]string{"namespace", "outcome"},
		),
		TicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monument_ticks_total",
				Help: "Committed superticks by namespace",
			},
			[]string{"namespace"},
		),
		WSClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "monument_ws_clients",
				Help: "Connected live-stream WebSocket clients",
			},
		),
		MergeSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "monument_merge_seconds",
				Help:    "Duration of tick merge commits",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),
	}
}

// Observe folds one engine event into the collectors.
func (m *Metrics) Observe(event monument.Event) {
	if event.Type != monument.EventTickResolved {
		return
	}
	m.TicksTotal.WithLabelValues(event.Namespace).Inc()
	p, ok := event.Payload.(monument.TickResolvedPayload)
	if !ok {
		return
	}
	for _, outcome := range p.Outcomes {
		m.ActionsTotal.WithLabelValues(event.Namespace, string(outcome)).Inc()
	}
	m.MergeSeconds.Observe(p.MergeSeconds)
}
