// Package metrics registers the prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomcast_members",
		Help: "Participants currently connected to the room.",
	})

	RoomBroadcasters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomcast_broadcasters",
		Help: "Participants currently broadcasting.",
	})

	StartRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomcast_start_rejected_total",
		Help: "Broadcast start requests rejected at capacity.",
	})

	SignalMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomcast_signal_messages_total",
		Help: "Signaling messages handled by the relay, by type.",
	}, []string{"type"})

	RelayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomcast_relay_dropped_total",
		Help: "Negotiation messages dropped because the target already left.",
	})
)
