package app

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeBus struct{ err error }

func (b fakeBus) HealthCheck() error { return b.err }

func TestHealthManager(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		draining   bool
		wantHealth int
		wantReady  int
	}{
		{name: "healthy", wantHealth: http.StatusOK, wantReady: http.StatusOK},
		{name: "bus down", err: errors.New("down"), wantHealth: http.StatusServiceUnavailable, wantReady: http.StatusServiceUnavailable},
		{name: "draining", draining: true, wantHealth: http.StatusOK, wantReady: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthManager()
			h.UpdateHealthStatus(fakeBus{err: tt.err})
			if tt.draining {
				h.SetDraining()
			}

			rec := httptest.NewRecorder()
			h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.wantHealth {
				t.Errorf("health status = %d, want %d", rec.Code, tt.wantHealth)
			}
			rec = httptest.NewRecorder()
			h.ReadyHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if rec.Code != tt.wantReady {
				t.Errorf("ready status = %d, want %d", rec.Code, tt.wantReady)
			}
		})
	}
}

func TestVersionHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"name":"sockjs-bridge"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestRequestClassification(t *testing.T) {
	tests := []struct {
		method    string
		path      string
		streaming bool
		send      bool
	}{
		{method: http.MethodGet, path: "/echo/websocket", streaming: true},
		{method: http.MethodGet, path: "/echo/000/abc/eventsource", streaming: true},
		{method: http.MethodPost, path: "/echo/000/abc/xhr_send", send: true},
		{method: http.MethodGet, path: "/echo/000/abc/xhr_send"},
		{method: http.MethodGet, path: "/echo/info"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		if got := IsStreamingRequest(req); got != tt.streaming {
			t.Errorf("IsStreamingRequest(%s %s) = %v", tt.method, tt.path, got)
		}
		if got := IsSendRequest(req); got != tt.send {
			t.Errorf("IsSendRequest(%s %s) = %v", tt.method, tt.path, got)
		}
	}
}
