package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bridgeSocketsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_active_sockets",
		Help: "The number of sockets attached to bridges",
	})
	subscriptionsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_subscriptions",
		Help: "The number of address subscriptions held by bridge sockets",
	})
	forwardedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_forwarded_messages",
		Help: "The total number of client envelopes forwarded to the bus",
	}, []string{"type"})
	deliveredMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_delivered_messages",
		Help: "The total number of bus messages written to clients",
	})
	deniedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_denied_messages",
		Help: "The total number of messages blocked by bridge rules",
	}, []string{"direction"})
	protocolErrorsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_protocol_errors",
		Help: "The total number of malformed client envelopes",
	}, []string{"reason"})
)
