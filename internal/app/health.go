package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ton-connect/sockjs-bridge/internal"
)

const healthCheckPeriod = 5 * time.Second

// HealthChecker is implemented by event buses.
type HealthChecker interface {
	HealthCheck() error
}

// HealthManager tracks bus health for /health and readiness for /ready.
// Readiness drops as soon as shutdown starts, while health keeps following
// the bus.
type HealthManager struct {
	healthy  atomic.Bool
	draining atomic.Bool
}

func NewHealthManager() *HealthManager {
	return &HealthManager{}
}

// UpdateHealthStatus checks the bus and updates metrics.
func (h *HealthManager) UpdateHealthStatus(bus HealthChecker) {
	healthy := true
	if err := bus.HealthCheck(); err != nil {
		log.WithField("prefix", "HealthManager").Warnf("bus health check failed: %v", err)
		healthy = false
	}
	h.healthy.Store(healthy)
	HealthMetric.Set(boolToFloat(healthy))
	ReadyMetric.Set(boolToFloat(h.ready()))
}

// StartHealthMonitoring checks the bus periodically until ctx is done.
func (h *HealthManager) StartHealthMonitoring(ctx context.Context, bus HealthChecker) {
	h.UpdateHealthStatus(bus)

	ticker := time.NewTicker(healthCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.UpdateHealthStatus(bus)
		}
	}
}

// SetDraining marks the process as shutting down.
func (h *HealthManager) SetDraining() {
	h.draining.Store(true)
	ReadyMetric.Set(0)
}

func (h *HealthManager) ready() bool {
	return h.healthy.Load() && !h.draining.Load()
}

func (h *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, h.healthy.Load())
}

func (h *HealthManager) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, h.ready())
}

func writeStatus(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Build-Commit", internal.VersionRevision)

	status, code := "ok", http.StatusOK
	if !ok {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	if _, err := fmt.Fprintf(w, `{"status":"%s"}`+"\n", status); err != nil {
		log.Errorf("health response write error: %v", err)
	}
}

// VersionHandler reports the server name and build version.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Build-Commit", internal.VersionRevision)

	w.WriteHeader(http.StatusOK)
	_, err := fmt.Fprintf(w, `{"name":"%s","version":"%s"}`+"\n", internal.ServerName, internal.VersionRevision)
	if err != nil {
		log.Errorf("version response write error: %v", err)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
