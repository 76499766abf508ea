package sockjs

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/ton-connect/sockjs-bridge/internal/utils"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadBuf   = 4096
	wsWriteBuf  = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsReadBuf,
	WriteBufferSize: wsWriteBuf,
	// origins are checked by App.Serve before the upgrade
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to Conn.
type wsConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

func (c *wsConn) WriteMessage(payload []byte) error {
	kind := websocket.BinaryMessage
	if utf8.Valid(payload) {
		kind = websocket.TextMessage
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (a *App) serveWebsocket(c echo.Context) error {
	if !a.opts.transportEnabled(TransportWebsocket) {
		return c.JSON(utils.HttpResError("not found", http.StatusNotFound))
	}
	req := c.Request()
	if req.Method != http.MethodGet {
		return a.methodNotAllowed(c, "GET")
	}
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return c.String(http.StatusBadRequest, `Can "Upgrade" only to "WebSocket".`)
	}
	if !headerContainsToken(req.Header, "Connection", "upgrade") {
		return c.String(http.StatusBadRequest, `"Connection" must be "Upgrade".`)
	}

	ws, err := upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// Upgrade has already replied to the client
		logrus.WithField("prefix", "App.serveWebsocket").Debugf("upgrade failed: %v", err)
		return nil
	}
	ws.SetReadLimit(a.opts.MaxPayloadBytes)

	conn := &wsConn{ws: ws}
	sock := a.open(conn, a.metadata(req, ws.LocalAddr()))
	a.readWebsocket(ws, sock)
	return nil
}

func (a *App) readWebsocket(ws *websocket.Conn, sock *Socket) {
	log := logrus.WithFields(logrus.Fields{
		"prefix": "App.readWebsocket",
		"socket": sock.WriteHandlerID(),
	})
	interval := a.opts.HeartbeatInterval()
	pongWait := 2 * interval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go pingWebsocket(ws, sock, interval)

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case sock.IsClosed():
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				sock.End()
			case websocket.IsUnexpectedCloseError(err), errors.Is(err, websocket.ErrReadLimit), errors.As(err, &netErr) && netErr.Timeout():
				log.Debugf("read failed: %v", err)
				transportErrorsMetric.WithLabelValues(TransportWebsocket).Inc()
				sock.Fail(err)
			default:
				// connection dropped without a close frame
				sock.End()
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if !sock.Deliver(message) {
			return
		}
	}
}

func pingWebsocket(ws *websocket.Conn, sock *Socket, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sock.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
