package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscriptionsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventbus_local_subscriptions",
		Help: "The number of handlers registered on this node",
	})
	deliveredMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventbus_delivered_messages",
		Help: "The total number of handler invocations",
	})
	undeliveredMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventbus_undelivered_messages",
		Help: "The total number of messages that found no local handler",
	})
	publishErrorsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_publish_errors",
		Help: "The total number of failed publishes per backend",
	}, []string{"backend"})
	expiredJournalMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventbus_expired_journal_entries",
		Help: "The total number of journal rows removed by the cleanup worker",
	})
)
