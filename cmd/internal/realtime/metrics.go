package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the messaging core.
//
// Counters carry a kind label ("direct" or "group") so dashboards can split
// the two send paths without separate metric families.
type Metrics struct {
	Connections prometheus.Gauge
	OnlineUsers prometheus.Gauge

	MessagesPersisted *prometheus.CounterVec
	MessagesDelivered *prometheus.CounterVec
	DeliveriesSkipped *prometheus.CounterVec
	EventsRejected    prometheus.Counter
}

// NewMetrics registers the core metric families with reg.
// Tests should pass a fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_ws_connections",
			Help: "Open websocket connections.",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_online_users",
			Help: "Users currently registered in the presence table.",
		}),
		MessagesPersisted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_persisted_total",
			Help: "Messages durably appended, by kind.",
		}, []string{"kind"}),
		MessagesDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_delivered_total",
			Help: "Live deliveries enqueued to connected recipients, by kind.",
		}, []string{"kind"}),
		DeliveriesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_skipped_total",
			Help: "Messages persisted without a live push (recipient offline or queue full), by kind.",
		}, []string{"kind"}),
		EventsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_rejected_total",
			Help: "Inbound events aborted by validation or not-found checks.",
		}),
	}
}

const (
	kindDirect = "direct"
	kindGroup  = "group"
)
