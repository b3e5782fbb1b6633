package definition

import "github.com/prometheus/client_golang/prometheus"

// ConnectionStats is the set of Prometheus collectors a connection
// updates as it moves bytes and messages: bytes/messages sent and
// received, plus a request round-trip latency histogram.
type ConnectionStats struct {
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	MessagesSent    prometheus.Counter
	MessagesReceived prometheus.Counter
	RequestLatency  prometheus.Histogram
}

// NewConnectionStats registers a fresh set of collectors labeled with
// connectionID against registry. Callers that don't care about exporting
// metrics can pass prometheus.NewRegistry() and simply discard it.
func NewConnectionStats(registry *prometheus.Registry, connectionID string) *ConnectionStats {
	labels := prometheus.Labels{"connection_id": connectionID}
	s := &ConnectionStats{
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "extend_connection_bytes_sent_total",
			Help:        "Total bytes written to the transport.",
			ConstLabels: labels,
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "extend_connection_bytes_received_total",
			Help:        "Total bytes read from the transport.",
			ConstLabels: labels,
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "extend_connection_messages_sent_total",
			Help:        "Total messages encoded and sent.",
			ConstLabels: labels,
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "extend_connection_messages_received_total",
			Help:        "Total messages decoded and dispatched.",
			ConstLabels: labels,
		}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "extend_connection_request_duration_seconds",
			Help:        "Round-trip latency between Channel.Request and its response.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
	registry.MustRegister(s.BytesSent, s.BytesReceived, s.MessagesSent, s.MessagesReceived, s.RequestLatency)
	return s
}
