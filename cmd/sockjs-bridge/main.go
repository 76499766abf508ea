package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/ton-connect/sockjs-bridge/internal"
	"github.com/ton-connect/sockjs-bridge/internal/analytics"
	"github.com/ton-connect/sockjs-bridge/internal/app"
	"github.com/ton-connect/sockjs-bridge/internal/bridge"
	"github.com/ton-connect/sockjs-bridge/internal/config"
	"github.com/ton-connect/sockjs-bridge/internal/eventbus"
	bridge_middleware "github.com/ton-connect/sockjs-bridge/internal/middleware"
	"github.com/ton-connect/sockjs-bridge/internal/server"
	"github.com/ton-connect/sockjs-bridge/internal/utils"
	"golang.org/x/time/rate"
)

func main() {
	log.Info(fmt.Sprintf("%s %s is running", internal.ServerName, internal.VersionRevision))
	config.LoadConfig()
	app.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	busKind, busURI := config.Config.Bus, ""
	switch busKind {
	case "postgres":
		log.Info("Using PostgreSQL event bus")
		busURI = config.Config.PostgresURI
	case "valkey", "redis":
		log.Info("Using Valkey event bus")
		busURI = config.Config.ValkeyURI
	default:
		log.Info("Using in-memory event bus as default")
		busKind = "memory"
	}
	bus, err := eventbus.NewBus(busKind, busURI)
	if err != nil {
		log.Fatalf("failed to create event bus: %v", err)
	}
	app.SetBusInfo(busKind)

	healthManager := app.NewHealthManager()
	go healthManager.StartHealthMonitoring(ctx, bus)

	extractor, err := utils.NewRealIPExtractor(config.Config.TrustedProxyRanges)
	if err != nil {
		log.Warnf("failed to create realIPExtractor: %v, using defaults", err)
		extractor, _ = utils.NewRealIPExtractor([]string{})
	}

	var collector analytics.EventCollector = analytics.NoopCollector{}
	analyticsCtx, stopAnalytics := context.WithCancel(context.Background())
	analyticsDone := make(chan struct{})
	if config.Config.WebhookURL != "" {
		ring := analytics.NewRingCollector(1024)
		collector = ring
		go func() {
			defer close(analyticsDone)
			analytics.NewCollector(ring, analytics.NewWebhookSender(config.Config.WebhookURL), 500*time.Millisecond).Run(analyticsCtx)
		}()
	} else {
		close(analyticsDone)
	}

	mux := http.NewServeMux()
	mux.Handle("/health", http.HandlerFunc(healthManager.HealthHandler))
	mux.Handle("/ready", http.HandlerFunc(healthManager.ReadyHandler))
	mux.Handle("/version", http.HandlerFunc(app.VersionHandler))
	mux.Handle("/metrics", promhttp.Handler())
	if config.Config.PprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
	}
	go func() {
		log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", config.Config.MetricsPort), mux))
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		Skipper:           nil,
		DisableStackAll:   true,
		DisablePrintStack: false,
	}))
	e.Use(app.LogrusLoggerMiddleware())
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return app.SkipRateLimitsByToken(c.Request()) || !app.IsSendRequest(c.Request())
		},
		Store: middleware.NewRateLimiterMemoryStore(rate.Limit(config.Config.RPSLimit)),
	}))
	e.Use(app.ConnectionsLimitMiddleware(bridge_middleware.NewConnectionLimiter(config.Config.ConnectionsLimit, extractor), func(c echo.Context) bool {
		return app.SkipRateLimitsByToken(c.Request()) || !app.IsStreamingRequest(c.Request())
	}))
	if config.Config.CorsEnable {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     []string{"*"},
			AllowMethods:     []string{echo.GET, echo.POST, echo.OPTIONS},
			AllowHeaders:     []string{"DNT", "X-CustomHeader", "Keep-Alive", "User-Agent", "X-Requested-With", "If-Modified-Since", "Cache-Control", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           86400,
		}))
	}
	p := prometheus.NewPrometheus("http", nil)
	e.Use(p.HandlerFunc)

	options := []server.Option{
		server.WithRealIP(extractor),
		server.WithCollector(collector),
	}
	if len(config.Config.BridgeAuthTokenHashes) > 0 {
		options = append(options, server.WithAuthorizer(bridge.NewBcryptAuthorizer(config.Config.BridgeAuthTokenHashes)))
	}
	srv := server.New(e, bus, options...)

	if m, ok, err := envBridge(); err != nil {
		log.Fatalf("invalid bridge configuration: %v", err)
	} else if ok {
		if err := install(srv, m); err != nil {
			log.Fatalf("failed to install bridge at %s: %v", m.App.Prefix, err)
		}
	}
	if config.Config.AppsFile != "" {
		mounts, err := loadMounts(config.Config.AppsFile)
		if err != nil {
			log.Fatalf("failed to load apps: %v", err)
		}
		for _, m := range mounts {
			if err := install(srv, m); err != nil {
				log.Fatalf("failed to install %s: %v", m.App.Prefix, err)
			}
		}
	}
	if config.Config.InstallTestApps {
		if err := srv.InstallTestApplications(); err != nil {
			log.Fatalf("failed to install test applications: %v", err)
		}
	}
	for _, a := range srv.Apps() {
		log.WithFields(log.Fields{"kind": a.Kind(), "prefix": a.Prefix()}).Info("mounted")
	}

	go func() {
		var err error
		addr := fmt.Sprintf(":%v", config.Config.Port)
		if config.Config.SelfSignedTLS {
			cert, key, certErr := utils.GenerateSelfSignedCertificate("localhost")
			if certErr != nil {
				log.Fatalf("failed to generate self signed certificate: %v", certErr)
			}
			err = e.StartTLS(addr, cert, key)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	healthManager.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(config.Config.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Close(); err != nil {
		log.Errorf("server close: %v", err)
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http shutdown: %v", err)
	}
	if err := bus.Close(); err != nil {
		log.Errorf("event bus close: %v", err)
	}
	stopAnalytics()
	select {
	case <-analyticsDone:
	case <-shutdownCtx.Done():
		log.Warn("analytics flush timed out")
	}
}
