// Package metrics exposes agent counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mr1hm/go-safety-alerts/internal/models"
)

type Metrics struct {
	registry *prometheus.Registry

	alertsReceived    *prometheus.CounterVec
	alertTransitions  *prometheus.CounterVec
	responseLatency   *prometheus.HistogramVec
	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	queueEvents       *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	notifications     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		alertsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_alerts_received_total",
			Help: "Alerts first seen by the agent, by severity and source",
		}, []string{"severity", "source"}),
		alertTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_alert_transitions_total",
			Help: "Alert status transitions by target status",
		}, []string{"status"}),
		responseLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "safety_alert_response_seconds",
			Help:    "Time from alert creation to traveler response",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"severity"}),
		connectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "safety_connection_state",
			Help: "1 for the current connection status and transport, 0 otherwise",
		}, []string{"status", "transport"}),
		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "safety_reconnect_attempts_total",
			Help: "Failed connection attempts",
		}),
		queueEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_offline_queue_events_total",
			Help: "Offline queue events by kind",
		}, []string{"kind"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "safety_offline_queue_depth",
			Help: "Writes waiting for replay",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_notifications_total",
			Help: "Notifications dispatched by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) AlertReceived(sev models.Severity, source string) {
	if m == nil {
		return
	}
	m.alertsReceived.WithLabelValues(string(sev), source).Inc()
}

func (m *Metrics) AlertTransition(a models.Alert) {
	if m == nil {
		return
	}
	m.alertTransitions.WithLabelValues(string(a.Status)).Inc()
	if a.Status == models.StatusResponded && a.ResponseAt != nil {
		m.responseLatency.WithLabelValues(string(a.Severity)).Observe(a.ResponseAt.Sub(a.CreatedAt).Seconds())
	}
}

var (
	allStatuses   = []models.ConnectionStatus{models.ConnectionConnecting, models.ConnectionConnected, models.ConnectionDisconnected, models.ConnectionError}
	allTransports = []models.Transport{models.TransportStream, models.TransportPolling}
)

func (m *Metrics) ConnectionChanged(st models.ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range allStatuses {
		for _, t := range allTransports {
			v := 0.0
			if s == st.Status && t == st.Transport {
				v = 1
			}
			m.connectionState.WithLabelValues(string(s), string(t)).Set(v)
		}
	}
	if st.Status == models.ConnectionError {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) QueueEvent(kind string, depth int) {
	if m == nil {
		return
	}
	m.queueEvents.WithLabelValues(kind).Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) Notified(reason string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(reason).Inc()
}
