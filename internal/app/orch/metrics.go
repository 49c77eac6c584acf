package orch

import (
	"github.com/dkeye/Desk/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the session collectors on a private registry. A nil
// *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	stateTransitions *prometheus.CounterVec
	state            prometheus.Gauge
	reconnects       prometheus.Counter
	attempts         *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	rtt              prometheus.Gauge
	offset           prometheus.Gauge
	serviceUp        prometheus.Gauge
	renderResults    *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions",
		}, []string{"from_state", "to_state", "event"}),
		state: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current session state as its ordinal",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Entries into the reconnecting state",
		}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_attempts_total",
			Help:      "Transport negotiation attempts by candidate kind",
		}, []string{"kind"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_envelopes_total",
			Help:      "Inbound envelopes not delivered",
		}, []string{"tag", "reason"}),
		rtt: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Smoothed round-trip time to the host",
		}),
		offset: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_offset_seconds",
			Help:      "Smoothed host clock offset",
		}),
		serviceUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_up",
			Help:      "Host service status, 1 when up",
		}),
		renderResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_results_total",
			Help:      "Video sink results by outcome",
		}, []string{"result"}),
	}
}

func (m *Metrics) transition(from, to domain.ConnectionState, event string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from.String(), to.String(), event).Inc()
	m.state.Set(float64(to))
	if to == domain.Reconnecting {
		m.reconnects.Inc()
	}
}

func (m *Metrics) attempt(kind domain.TransportKind) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) drop(tag domain.TypeTag, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(tag.String(), reason).Inc()
}

func (m *Metrics) clock(rttSec, offsetSec float64) {
	if m == nil {
		return
	}
	m.rtt.Set(rttSec)
	m.offset.Set(offsetSec)
}

func (m *Metrics) service(s domain.ServiceStatus) {
	if m == nil {
		return
	}
	if s == domain.ServiceUp {
		m.serviceUp.Set(1)
	} else {
		m.serviceUp.Set(0)
	}
}

func (m *Metrics) render(r domain.RenderResult) {
	if m == nil {
		return
	}
	m.renderResults.WithLabelValues(r.String()).Inc()
}
