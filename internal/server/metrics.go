// Package server exposes Prometheus metrics for the chat hub.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatterup_connections",
		Help: "Number of currently connected chat sessions.",
	})
	messagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatterup_messages_total",
		Help: "Total chat messages durably persisted.",
	})
	broadcastEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatterup_broadcast_events_total",
		Help: "Total events delivered to sessions by the hub.",
	})
	droppedSends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatterup_dropped_sends_total",
		Help: "Total sessions evicted because their send buffer filled up.",
	})
)
