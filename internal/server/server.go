package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/ton-connect/sockjs-bridge/internal/analytics"
	"github.com/ton-connect/sockjs-bridge/internal/bridge"
	"github.com/ton-connect/sockjs-bridge/internal/eventbus"
	"github.com/ton-connect/sockjs-bridge/internal/sockjs"
	"github.com/ton-connect/sockjs-bridge/internal/utils"
)

// Server owns the installed apps and bridges and routes every request of
// its echo instance to them.
type Server struct {
	bus        eventbus.Bus
	registry   *sockjs.Registry
	realIP     *utils.RealIPExtractor
	authorizer bridge.Authorizer
	collector  analytics.EventCollector

	mu       sync.Mutex
	engines  []*bridge.Engine
	sockets  map[*sockjs.Socket]*eventbus.Registration
	testApps bool
	closed   bool
}

type Option func(*Server)

// WithRealIP makes sockets report the client address behind trusted proxies.
func WithRealIP(extractor *utils.RealIPExtractor) Option {
	return func(s *Server) { s.realIP = extractor }
}

// WithAuthorizer is passed to every bridge the server creates.
func WithAuthorizer(a bridge.Authorizer) Option {
	return func(s *Server) { s.authorizer = a }
}

// WithCollector is passed to every bridge the server creates.
func WithCollector(c analytics.EventCollector) Option {
	return func(s *Server) { s.collector = c }
}

// New creates a server and mounts it on e. Every path of e that is not
// claimed by a more specific route reaches the installed apps.
func New(e *echo.Echo, bus eventbus.Bus, opts ...Option) *Server {
	s := &Server{
		bus:      bus,
		registry: sockjs.NewRegistry(),
		sockets:  make(map[*sockjs.Socket]*eventbus.Registration),
	}
	for _, o := range opts {
		o(s)
	}
	e.Any("/", s.serve)
	e.Any("/*", s.serve)
	return s
}

func (s *Server) serve(c echo.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return c.JSON(utils.HttpResError("server is shutting down", http.StatusServiceUnavailable))
	}
	return s.registry.Serve(c)
}

func (s *Server) appOptions(extra ...sockjs.AppOption) []sockjs.AppOption {
	return append([]sockjs.AppOption{sockjs.WithRealIP(s.realIP), sockjs.WithOpenHook(s.attach)}, extra...)
}

// InstallApp mounts handler under opts.Prefix.
func (s *Server) InstallApp(opts sockjs.AppOptions, handler sockjs.SocketHandler) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	app, err := sockjs.NewApp(opts, handler, s.appOptions()...)
	if err != nil {
		return err
	}
	return s.registry.Install(app)
}

// Bridge mounts an event bus bridge under appOpts.Prefix.
func (s *Server) Bridge(appOpts sockjs.AppOptions, opts bridge.Options) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var engineOpts []bridge.EngineOption
	if s.authorizer != nil {
		engineOpts = append(engineOpts, bridge.WithAuthorizer(s.authorizer))
	}
	if s.collector != nil {
		engineOpts = append(engineOpts, bridge.WithCollector(s.collector))
	}
	appOpts = appOpts.WithDefaults()
	engine, err := bridge.NewEngine(appOpts.Prefix, s.bus, opts, engineOpts...)
	if err != nil {
		return err
	}
	app, err := sockjs.NewApp(appOpts, engine.Handle, s.appOptions(sockjs.WithKind(sockjs.KindBridge))...)
	if err != nil {
		engine.Close()
		return err
	}
	if err := s.registry.Install(app); err != nil {
		engine.Close()
		return err
	}
	s.mu.Lock()
	s.engines = append(s.engines, engine)
	s.mu.Unlock()
	return nil
}

// InstallTestApplications mounts the SockJS protocol test apps. It may be
// called once; a second call fails with sockjs.ErrConfiguration.
func (s *Server) InstallTestApplications() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: server closed", sockjs.ErrConfiguration)
	}
	if s.testApps {
		return fmt.Errorf("%w: test applications already installed", sockjs.ErrConfiguration)
	}
	apps, err := sockjs.ConformanceApplications(s.appOptions()...)
	if err != nil {
		return err
	}
	if err := s.registry.InstallAll(apps); err != nil {
		return err
	}
	s.testApps = true
	return nil
}

// Sockets returns the number of open sockets across all apps.
func (s *Server) Sockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// Apps returns the installed apps in install order.
func (s *Server) Apps() []*sockjs.App {
	return s.registry.Apps()
}

// HealthCheck reports the state of the event bus.
func (s *Server) HealthCheck() error {
	return s.bus.HealthCheck()
}

// Close stops routing, closes every socket and releases apps and bridges.
// New requests get 503 afterwards. Calling Close again does nothing.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	engines := s.engines
	s.engines = nil
	sockets := make([]*sockjs.Socket, 0, len(s.sockets))
	for sock := range s.sockets {
		sockets = append(sockets, sock)
	}
	s.mu.Unlock()

	log := log.WithField("prefix", "Server.Close")
	for _, engine := range engines {
		engine.Close()
	}
	for _, sock := range sockets {
		sock.Close()
	}
	for _, app := range s.registry.Clear() {
		app.Close()
	}
	log.Infof("closed %d sockets and %d bridges", len(sockets), len(engines))
	return nil
}

func (s *Server) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: server closed", sockjs.ErrConfiguration)
	}
	return nil
}

// attach tracks sock and registers its write handler ID on the bus, so any
// bus user can write to the socket by address.
func (s *Server) attach(sock *sockjs.Socket) bool {
	log := log.WithFields(log.Fields{"prefix": "Server.attach", "socket": sock.WriteHandlerID()})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.sockets[sock] = nil
	s.mu.Unlock()

	reg, err := s.bus.Subscribe(context.Background(), sock.WriteHandlerID(), func(_ context.Context, msg eventbus.Message) {
		_ = sock.Write(msg.Body)
	})
	if err != nil {
		log.Errorf("register write handler: %v", err)
		s.detach(sock)
		return false
	}

	s.mu.Lock()
	if _, ok := s.sockets[sock]; ok {
		s.sockets[sock] = reg
		reg = nil
	}
	s.mu.Unlock()
	if reg != nil {
		// closed while subscribing
		_ = s.bus.Unsubscribe(context.Background(), reg)
		return false
	}
	sock.OnClose(func() { s.detach(sock) })
	return true
}

func (s *Server) detach(sock *sockjs.Socket) {
	s.mu.Lock()
	reg, ok := s.sockets[sock]
	delete(s.sockets, sock)
	s.mu.Unlock()
	if ok && reg != nil {
		if err := s.bus.Unsubscribe(context.Background(), reg); err != nil {
			log.WithField("prefix", "Server.detach").Debugf("unregister write handler %s: %v", sock.WriteHandlerID(), err)
		}
	}
}
