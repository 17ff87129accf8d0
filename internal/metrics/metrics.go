// Package metrics exposes the Prometheus instrumentation for the realtime
// core. All collectors are registered via promauto at init and shared
// across components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsCurrent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rt_connections_current",
		Help: "Currently open websocket connections per endpoint",
	}, []string{"endpoint"})

	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_connections_total",
		Help: "Total accepted websocket connections per endpoint",
	}, []string{"endpoint"})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_connections_rejected_total",
		Help: "Rejected upgrade attempts by reason",
	}, []string{"reason"})

	Disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_disconnects_total",
		Help: "Connection terminations by reason",
	}, []string{"reason"})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_messages_received_total",
		Help: "Inbound frames per endpoint",
	}, []string{"endpoint"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rt_messages_sent_total",
		Help: "Outbound frames written to peers",
	})

	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rt_bytes_received_total",
		Help: "Inbound payload bytes",
	})

	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rt_bytes_sent_total",
		Help: "Outbound payload bytes",
	})

	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_dropped_frames_total",
		Help: "Outbound frames dropped for backpressure, by topic namespace",
	}, []string{"namespace"})

	RateLimitedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rt_rate_limited_frames_total",
		Help: "Inbound frames rejected by the per-principal message limiter",
	})

	ErrorFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_error_frames_total",
		Help: "ERROR frames sent to clients by code",
	}, []string{"code"})

	SubscriptionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rt_subscriptions_current",
		Help: "Live (connection, topic) subscription pairs",
	})

	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_broadcasts_total",
		Help: "Topic broadcasts dispatched, by topic namespace",
	}, []string{"namespace"})

	RoomsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rt_rooms_current",
		Help: "Contest rooms with at least one member",
	})

	NotificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rt_notifications_delivered_total",
		Help: "Outbox entries marked delivered",
	})

	NotificationsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rt_notifications_purged_total",
		Help: "Delivered outbox entries removed by retention",
	})

	DelivererBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_deliverer_batches_total",
		Help: "Delivery pump iterations by outcome",
	}, []string{"outcome"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_cache_lookups_total",
		Help: "Snapshot cache lookups by kind and outcome",
	}, []string{"kind", "outcome"})

	BridgeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_bridge_events_total",
		Help: "Internal service events translated by the bridge, by subject class",
	}, []string{"event"})

	SubsystemRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_subsystem_restarts_total",
		Help: "Background subsystem restarts after a contained panic",
	}, []string{"subsystem"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
