// internal/relay/metrics.go

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of currently connected websocket sessions",
		},
	)

	eventsInTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_in_total",
			Help: "Total inbound events by kind",
		},
		[]string{"event"},
	)

	eventsOutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_out_total",
			Help: "Total outbound events by kind",
		},
		[]string{"event"},
	)

	messagesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Total messages persisted and delivered",
		},
	)

	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_calls_total",
			Help: "Call lifecycle transitions by outcome",
		},
		[]string{"outcome"},
	)
)

func recordConnection(active int) {
	activeConnections.Set(float64(active))
}

func recordEventIn(event string) {
	eventsInTotal.WithLabelValues(event).Inc()
}

func recordEventOut(event string) {
	eventsOutTotal.WithLabelValues(event).Inc()
}

func recordMessageSent() {
	messagesSentTotal.Inc()
}

func recordCall(outcome string) {
	callsTotal.WithLabelValues(outcome).Inc()
}
