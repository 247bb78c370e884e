// Package metrics defines the Prometheus collectors for the live-feed client
// and the chat server. Each set registers on the Registerer it is given so
// tests and several sessions in one process do not collide on the default
// registry. Methods on a nil *Client or *Server are no-ops.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "livechat"

type Client struct {
	reconnects  prometheus.Counter
	exhausted   prometheus.Counter
	inbound     *prometheus.CounterVec
	merged      *prometheus.CounterVec
	duplicates  *prometheus.CounterVec
	pollErrors  prometheus.Counter
	sends       *prometheus.CounterVec
	connections *prometheus.GaugeVec
}

func NewClient(reg prometheus.Registerer) *Client {
	m := &Client{
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "reconnects_total",
			Help: "Reconnect attempts scheduled after abnormal closure.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "reconnects_exhausted_total",
			Help: "Times the reconnect controller gave up.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "inbound_events_total",
			Help: "Push frames received, by event type.",
		}, []string{"type"}),
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "merged_entries_total",
			Help: "Feed entries accepted by the reconciler, by source.",
		}, []string{"source"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "duplicates_total",
			Help: "Candidates discarded as duplicates, by source.",
		}, []string{"source"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "poll_errors_total",
			Help: "Failed pulls from the durable transport.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "sends_total",
			Help: "Outbound messages settled by the durable path, by result.",
		}, []string{"result"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "client", Name: "connections",
			Help: "Push connections by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.reconnects, m.exhausted, m.inbound, m.merged, m.duplicates, m.pollErrors, m.sends, m.connections)
	return m
}

func (m *Client) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Client) ReconnectExhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

func (m *Client) Inbound(eventType string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(eventType).Inc()
}

func (m *Client) Merged(source string, accepted, duplicates int) {
	if m == nil {
		return
	}
	if accepted > 0 {
		m.merged.WithLabelValues(source).Add(float64(accepted))
	}
	if duplicates > 0 {
		m.duplicates.WithLabelValues(source).Add(float64(duplicates))
	}
}

func (m *Client) PollFailed() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

func (m *Client) SendSettled(ok bool) {
	if m == nil {
		return
	}
	result := "confirmed"
	if !ok {
		result = "failed"
	}
	m.sends.WithLabelValues(result).Inc()
}

// ConnectionMoved shifts one connection from one status bucket to another.
// An empty from means the connection is new, an empty to that it is gone.
func (m *Client) ConnectionMoved(from, to string) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.connections.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.connections.WithLabelValues(to).Inc()
	}
}

type Server struct {
	wsConnections   prometheus.Gauge
	messagesCreated prometheus.Counter
	framesRelayed   *prometheus.CounterVec
}

func NewServer(reg prometheus.Registerer) *Server {
	m := &Server{
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "ws_connections",
			Help: "Open websocket connections.",
		}),
		messagesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "messages_created_total",
			Help: "Messages persisted through the REST API.",
		}),
		framesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "frames_relayed_total",
			Help: "Frames fanned out to rooms, by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.wsConnections, m.messagesCreated, m.framesRelayed)
	return m
}

func (m *Server) ClientConnected() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Server) ClientDisconnected() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

func (m *Server) MessageCreated() {
	if m == nil {
		return
	}
	m.messagesCreated.Inc()
}

func (m *Server) FrameRelayed(frameType string) {
	if m == nil {
		return
	}
	m.framesRelayed.WithLabelValues(frameType).Inc()
}
