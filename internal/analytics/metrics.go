package analytics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	droppedEventsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_dropped_events",
		Help: "The total number of analytics events dropped because the buffer was full",
	})
	sentEventsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_sent_events",
		Help: "The total number of analytics events delivered to the webhook",
	})
)
