package app

import (
	client_prometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ton-connect/sockjs-bridge/internal"
)

var (
	TokenUsageMetric = promauto.NewCounterVec(client_prometheus.CounterOpts{
		Name: "sockjs_rate_limit_bypass_token_usage",
		Help: "Requests that skipped rate limits with a bypass token",
	}, []string{"token"})

	HealthMetric = client_prometheus.NewGauge(client_prometheus.GaugeOpts{
		Name: "sockjs_health_status",
		Help: "Health status of the event bus (1 = healthy, 0 = unhealthy)",
	})

	ReadyMetric = client_prometheus.NewGauge(client_prometheus.GaugeOpts{
		Name: "sockjs_ready_status",
		Help: "Ready status of the server (1 = ready, 0 = not ready)",
	})

	VersionMetric = client_prometheus.NewGaugeVec(client_prometheus.GaugeOpts{
		Name: "sockjs_version_info",
		Help: "Version information of the server",
	}, []string{"version"})

	BusInfoMetric = client_prometheus.NewGaugeVec(client_prometheus.GaugeOpts{
		Name: "sockjs_bus_info",
		Help: "Event bus backend in use",
	}, []string{"bus"})
)

// InitMetrics registers the process metrics and sets version info.
func InitMetrics() {
	client_prometheus.MustRegister(HealthMetric)
	client_prometheus.MustRegister(ReadyMetric)
	client_prometheus.MustRegister(VersionMetric)
	client_prometheus.MustRegister(BusInfoMetric)
	VersionMetric.WithLabelValues(internal.VersionRevision).Set(1)
}

// SetBusInfo records which event bus backend the process uses.
func SetBusInfo(bus string) {
	BusInfoMetric.WithLabelValues(bus).Set(1)
}
