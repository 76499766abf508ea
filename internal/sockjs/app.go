package sockjs

import (
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/ton-connect/sockjs-bridge/internal/utils"
)

const (
	KindApp    = "app"
	KindBridge = "bridge"
)

const greeting = "Welcome to SockJS!\n"

// App is one installed application: a prefix, its options and the handler
// receiving every new socket opened under the prefix.
type App struct {
	opts     AppOptions
	handler  SocketHandler
	kind     string
	realIP   *utils.RealIPExtractor
	onOpen   func(*Socket) bool
	sessions *sessionStore
}

// AppOption customizes an App at construction.
type AppOption func(*App)

// WithKind labels the app for logs and install errors.
func WithKind(kind string) AppOption {
	return func(a *App) { a.kind = kind }
}

// WithRealIP makes sockets report the client address found by extractor
// instead of the TCP peer address.
func WithRealIP(extractor *utils.RealIPExtractor) AppOption {
	return func(a *App) { a.realIP = extractor }
}

// WithOpenHook runs fn for every new socket before the handler sees it.
// When fn returns false the socket is closed and the handler is skipped.
func WithOpenHook(fn func(*Socket) bool) AppOption {
	return func(a *App) { a.onOpen = fn }
}

// NewApp validates opts and builds an app. Zero numeric options take defaults.
func NewApp(opts AppOptions, handler SocketHandler, options ...AppOption) (*App, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil socket handler", ErrInvalidArgument)
	}
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		opts:     opts,
		handler:  handler,
		kind:     KindApp,
		sessions: newSessionStore(),
	}
	for _, o := range options {
		o(a)
	}
	return a, nil
}

func (a *App) Prefix() string {
	return a.opts.Prefix
}

func (a *App) Options() AppOptions {
	return a.opts
}

func (a *App) Kind() string {
	return a.kind
}

// Close ends the app's streaming sessions. Open websocket sockets are owned
// by whoever tracks them.
func (a *App) Close() {
	a.sessions.closeAll()
}

// Serve handles a request whose path, after the app prefix, is rest.
func (a *App) Serve(c echo.Context, rest string) error {
	req := c.Request()
	if !a.opts.originAllowed(utils.ExtractOrigin(req.Header.Get("Origin"))) {
		return c.JSON(utils.HttpResError("origin not allowed", http.StatusForbidden))
	}

	switch rest {
	case "", "/":
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			return a.methodNotAllowed(c, "GET")
		}
		return c.String(http.StatusOK, greeting)
	case "/info":
		return a.serveInfo(c)
	case "/websocket":
		return a.serveWebsocket(c)
	}

	parts := strings.Split(strings.TrimPrefix(rest, "/"), "/")
	if len(parts) != 3 || !validSegment(parts[0]) || !validSegment(parts[1]) {
		return c.JSON(utils.HttpResError("not found", http.StatusNotFound))
	}
	switch parts[2] {
	case TransportWebsocket:
		return a.serveWebsocket(c)
	case TransportEventSource:
		return a.serveEventSource(c, parts[1])
	case TransportXhrSend:
		return a.serveXhrSend(c, parts[1])
	}
	return c.JSON(utils.HttpResError("not found", http.StatusNotFound))
}

type infoResponse struct {
	Websocket    bool     `json:"websocket"`
	CookieNeeded bool     `json:"cookie_needed"`
	Origins      []string `json:"origins"`
	Entropy      uint32   `json:"entropy"`
}

func (a *App) serveInfo(c echo.Context) error {
	if c.Request().Method != http.MethodGet {
		return a.methodNotAllowed(c, "GET")
	}
	setNoCacheHeaders(c)
	a.setJSessionID(c)
	body, err := sonic.Marshal(infoResponse{
		Websocket:    a.opts.transportEnabled(TransportWebsocket),
		CookieNeeded: a.opts.InsertJSessionID,
		Origins:      []string{"*:*"},
		Entropy:      rand.Uint32(),
	})
	if err != nil {
		return c.JSON(utils.HttpResError(err.Error(), http.StatusInternalServerError))
	}
	return c.Blob(http.StatusOK, "application/json; charset=UTF-8", body)
}

func (a *App) methodNotAllowed(c echo.Context, allow string) error {
	c.Response().Header().Set("Allow", allow)
	return c.NoContent(http.StatusMethodNotAllowed)
}

// metadata snapshots the handshake request for a new socket.
func (a *App) metadata(req *http.Request, local net.Addr) Metadata {
	remote := req.RemoteAddr
	if a.realIP != nil {
		if ip := a.realIP.Extract(req); ip != "" {
			remote = ip
		}
	}
	meta := Metadata{
		RemoteAddress: remote,
		Headers:       req.Header,
		URI:           req.RequestURI,
	}
	if local == nil {
		local, _ = req.Context().Value(http.LocalAddrContextKey).(net.Addr)
	}
	if local != nil {
		meta.LocalAddress = local.String()
	}
	return meta
}

// open builds a socket for conn and hands it to the app handler. A handler
// panic closes the socket.
func (a *App) open(conn Conn, meta Metadata) *Socket {
	sock := NewSocket(conn, meta, a.opts)
	logrus.WithFields(logrus.Fields{
		"prefix": "App.open",
		"app":    a.opts.Prefix,
		"socket": sock.WriteHandlerID(),
		"remote": meta.RemoteAddress,
	}).Debug("socket opened")
	if a.onOpen != nil && !a.onOpen(sock) {
		sock.Close()
		return sock
	}
	if !utils.CallWithRecovery(func() { a.handler(sock) }) {
		sock.Close()
	}
	return sock
}

func (a *App) setJSessionID(c echo.Context) {
	if !a.opts.InsertJSessionID {
		return
	}
	value := "dummy"
	if cookie, err := c.Request().Cookie("JSESSIONID"); err == nil && cookie.Value != "" {
		value = cookie.Value
	}
	c.SetCookie(&http.Cookie{Name: "JSESSIONID", Value: value, Path: "/"})
}

func setNoCacheHeaders(c echo.Context) {
	c.Response().Header().Set("Cache-Control", "no-store, no-cache, no-transform, must-revalidate, max-age=0")
}

func validSegment(s string) bool {
	return s != "" && !strings.Contains(s, ".")
}
