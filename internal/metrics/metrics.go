// Package metrics exposes Prometheus collectors for the sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "riderlink"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ConnectionState   prometheus.Gauge
	ConnectAttempts   *prometheus.CounterVec
	EventsReceived    *prometheus.CounterVec
	ForceOffline      *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	SnapshotRefreshes *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connection_state",
			Help:      "Current realtime connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_connect_attempts_total",
			Help:      "Realtime connection attempts by result",
		}, []string{"result"}),
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_received_total",
			Help:      "Inbound realtime events by name",
		}, []string{"event"}),
		ForceOffline: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_force_offline_total",
			Help:      "Force-offline calls by trigger and result",
		}, []string{"trigger", "result"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_sent_total",
			Help:      "Outbound chat messages by result",
		}, []string{"result"}),
		SnapshotRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracking_snapshot_refreshes_total",
			Help:      "Shipment snapshot refreshes by result",
		}, []string{"result"}),
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

func (m *Metrics) RecordConnectAttempt(err error) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RecordEvent(name string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(name).Inc()
}

func (m *Metrics) RecordForceOffline(trigger string, err error) {
	if m == nil {
		return
	}
	m.ForceOffline.WithLabelValues(trigger, result(err)).Inc()
}

func (m *Metrics) RecordSend(err error) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RecordRefresh(err error) {
	if m == nil {
		return
	}
	m.SnapshotRefreshes.WithLabelValues(result(err)).Inc()
}
