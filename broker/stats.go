package broker

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is the broker-wide counter block backing both $SYS publication and
// the Prometheus metrics export (component 13). Every update increments both
// the atomic field read by $SYS publication and the matching Prometheus
// collector, so the two surfaces count the same events.
type Stats struct {
	started time.Time

	ClientsConnected int64
	ClientsTotal     int64
	BytesReceived    int64
	BytesSent        int64
	MessagesReceived int64
	MessagesSent     int64
	MessagesDropped  int64
	Subscriptions    int64

	promClientsConnected prometheus.Gauge
	promBytesReceived    prometheus.Counter
	promBytesSent        prometheus.Counter
	promMessagesReceived prometheus.Counter
	promMessagesSent     prometheus.Counter
	promMessagesDropped  prometheus.Counter
}

// NewStats registers the broker's Prometheus collectors against reg and
// returns a Stats ready to track connections.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		started: time.Now(),
		promClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqttbroker", Name: "clients_connected", Help: "Number of currently connected clients.",
		}),
		promBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqttbroker", Name: "bytes_received_total", Help: "Total bytes received from clients.",
		}),
		promBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqttbroker", Name: "bytes_sent_total", Help: "Total bytes sent to clients.",
		}),
		promMessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqttbroker", Name: "messages_received_total", Help: "Total PUBLISH packets received.",
		}),
		promMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqttbroker", Name: "messages_sent_total", Help: "Total PUBLISH packets sent.",
		}),
		promMessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqttbroker", Name: "messages_dropped_total", Help: "Total messages dropped due to backpressure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.promClientsConnected, s.promBytesReceived, s.promBytesSent,
			s.promMessagesReceived, s.promMessagesSent, s.promMessagesDropped)
	}
	return s
}

func (s *Stats) ClientConnected() {
	atomic.AddInt64(&s.ClientsConnected, 1)
	atomic.AddInt64(&s.ClientsTotal, 1)
	if s.promClientsConnected != nil {
		s.promClientsConnected.Inc()
	}
}

func (s *Stats) ClientDisconnected() {
	atomic.AddInt64(&s.ClientsConnected, -1)
	if s.promClientsConnected != nil {
		s.promClientsConnected.Dec()
	}
}

func (s *Stats) AddBytesReceived(n int) {
	atomic.AddInt64(&s.BytesReceived, int64(n))
	if s.promBytesReceived != nil {
		s.promBytesReceived.Add(float64(n))
	}
}

func (s *Stats) AddBytesSent(n int) {
	atomic.AddInt64(&s.BytesSent, int64(n))
	if s.promBytesSent != nil {
		s.promBytesSent.Add(float64(n))
	}
}

func (s *Stats) MessageReceived() {
	atomic.AddInt64(&s.MessagesReceived, 1)
	if s.promMessagesReceived != nil {
		s.promMessagesReceived.Inc()
	}
}

func (s *Stats) MessageSent() {
	atomic.AddInt64(&s.MessagesSent, 1)
	if s.promMessagesSent != nil {
		s.promMessagesSent.Inc()
	}
}

func (s *Stats) MessageDropped() {
	atomic.AddInt64(&s.MessagesDropped, 1)
	if s.promMessagesDropped != nil {
		s.promMessagesDropped.Inc()
	}
}

func (s *Stats) AddSubscription(delta int64) {
	atomic.AddInt64(&s.Subscriptions, delta)
}

// Uptime returns whole seconds since the Stats block was created.
func (s *Stats) Uptime() int64 {
	return int64(time.Since(s.started).Seconds())
}

// Snapshot is an atomic point-in-time copy for $SYS publication.
type Snapshot struct {
	Uptime           int64
	ClientsConnected int64
	ClientsTotal     int64
	BytesReceived    int64
	BytesSent        int64
	MessagesReceived int64
	MessagesSent     int64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:           s.Uptime(),
		ClientsConnected: atomic.LoadInt64(&s.ClientsConnected),
		ClientsTotal:     atomic.LoadInt64(&s.ClientsTotal),
		BytesReceived:    atomic.LoadInt64(&s.BytesReceived),
		BytesSent:        atomic.LoadInt64(&s.BytesSent),
		MessagesReceived: atomic.LoadInt64(&s.MessagesReceived),
		MessagesSent:     atomic.LoadInt64(&s.MessagesSent),
	}
}
