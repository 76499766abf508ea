package sockjs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSocketsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockjs_active_sockets",
		Help: "The number of open sockets",
	})
	receivedMessagesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockjs_received_messages",
		Help: "The total number of inbound payloads accepted from transports",
	})
	sentMessagesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockjs_sent_messages",
		Help: "The total number of outbound payloads written to transports",
	})
	writeQueueFullMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockjs_write_queue_full_episodes",
		Help: "The total number of times a socket write queue reached its limit",
	})
	transportErrorsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockjs_transport_errors",
		Help: "The total number of transport failures",
	}, []string{"transport"})
	notFoundMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockjs_unrouted_requests",
		Help: "The total number of requests that matched no installed prefix",
	})
)
