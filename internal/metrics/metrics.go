// Package metrics provides Prometheus metrics for the Beacon sync service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "beacon"

var (
	// WSConnections tracks currently registered WebSocket connections.
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Active WebSocket connections on this process",
		},
	)

	// WSSubscriptions tracks active subscription keys per table.
	WSSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_subscriptions",
			Help:      "Active subscriptions per table on this process",
		},
		[]string{"table"},
	)

	// WriteResults counts per-operation write outcomes.
	WriteResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_results_total",
			Help:      "Write operation results by status",
		},
		[]string{"status"},
	)

	// NotificationsPublished counts change notifications put on the bus.
	NotificationsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_published_total",
			Help:      "Change notifications published to the pub/sub bus",
		},
	)

	// NotificationsDelivered counts pushes to local WebSocket connections.
	NotificationsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Change notifications delivered to local subscribers",
		},
	)

	// ListenReconnects counts LISTEN connection re-establishments.
	ListenReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listen_reconnects_total",
			Help:      "Reconnections of the Postgres LISTEN connection",
		},
	)
)
