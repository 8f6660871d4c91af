package relay

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "dmrelay"

// Route labels for routed messages.
const (
	routeLive   = "live"
	routeStored = "stored"
)

// Metrics groups the relay's prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connectionsActive prometheus.Gauge
	messagesRouted    *prometheus.CounterVec
	backlogMessages   prometheus.Counter
	framesRejected    *prometheus.CounterVec
	framesIgnored     prometheus.Counter
	sessionsDisplaced prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Open websocket connections.",
		}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_routed_total",
			Help:      "Chat messages persisted, by delivery route (live push or stored for replay).",
		}, []string{"route"}),
		backlogMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "backlog_messages_total",
			Help:      "Messages replayed by backlog reconciliation.",
		}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_rejected_total",
			Help:      "Inbound frames answered with an error, by error code.",
		}, []string{"code"}),
		framesIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_ignored_total",
			Help:      "Inbound frames of unknown type dropped after identify.",
		}),
		sessionsDisplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_displaced_total",
			Help:      "Connections closed because the same user identified on a newer one.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectionsActive,
			m.messagesRouted,
			m.backlogMessages,
			m.framesRejected,
			m.framesIgnored,
			m.sessionsDisplaced,
		)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

func (m *Metrics) routed(route string) {
	if m != nil {
		m.messagesRouted.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) backlog(n int) {
	if m != nil && n > 0 {
		m.backlogMessages.Add(float64(n))
	}
}

func (m *Metrics) rejected(code string) {
	if m != nil {
		m.framesRejected.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) ignored() {
	if m != nil {
		m.framesIgnored.Inc()
	}
}

func (m *Metrics) displaced() {
	if m != nil {
		m.sessionsDisplaced.Inc()
	}
}
