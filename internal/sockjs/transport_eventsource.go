package sockjs

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/ton-connect/sockjs-bridge/internal/utils"
)

const heartbeatFrame = ": heartbeat\r\n\r\n"

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*streamSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*streamSession)}
}

// add registers ses under id unless the id is taken.
func (st *sessionStore) add(id string, ses *streamSession) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; ok {
		return false
	}
	st.sessions[id] = ses
	return true
}

func (st *sessionStore) get(id string) (*streamSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	ses, ok := st.sessions[id]
	return ses, ok
}

func (st *sessionStore) remove(id string, ses *streamSession) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessions[id] == ses {
		delete(st.sessions, id)
	}
}

func (st *sessionStore) closeAll() {
	st.mu.Lock()
	sessions := make([]*streamSession, 0, len(st.sessions))
	for _, ses := range st.sessions {
		sessions = append(sessions, ses)
	}
	st.mu.Unlock()
	for _, ses := range sessions {
		_ = ses.Close()
	}
}

type frameWrite struct {
	payload []byte
	result  chan error
}

// streamSession is the Conn of an eventsource socket. Writes are handed to
// the goroutine serving the HTTP stream, which is the only one touching
// the response writer.
type streamSession struct {
	socket    atomic.Pointer[Socket]
	frames    chan frameWrite
	closed    chan struct{}
	closeOnce sync.Once
}

func newStreamSession() *streamSession {
	return &streamSession{
		frames: make(chan frameWrite),
		closed: make(chan struct{}),
	}
}

func (s *streamSession) WriteMessage(payload []byte) error {
	w := frameWrite{payload: payload, result: make(chan error, 1)}
	select {
	case s.frames <- w:
	case <-s.closed:
		return ErrSocketClosed
	}
	return <-w.result
}

func (s *streamSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (a *App) serveEventSource(c echo.Context, sessionID string) error {
	log := logrus.WithField("prefix", "App.serveEventSource")
	if !a.opts.transportEnabled(TransportEventSource) {
		return c.JSON(utils.HttpResError("not found", http.StatusNotFound))
	}
	req := c.Request()
	if req.Method != http.MethodGet {
		return a.methodNotAllowed(c, "GET")
	}
	if _, ok := c.Response().Writer.(http.Flusher); !ok {
		return c.JSON(utils.HttpResError("streaming unsupported", http.StatusBadRequest))
	}

	ses := newStreamSession()
	if !a.sessions.add(sessionID, ses) {
		return c.JSON(utils.HttpResError("session already open", http.StatusConflict))
	}
	defer a.sessions.remove(sessionID, ses)

	sock := a.open(ses, a.metadata(req, nil))
	ses.socket.Store(sock)

	a.setJSessionID(c)
	c.Response().Header().Set("Content-Type", "text/event-stream; charset=UTF-8")
	c.Response().Header().Set("Cache-Control", "no-store, no-cache, no-transform, must-revalidate, max-age=0")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(c.Response(), "\r\n"); err != nil {
		log.Errorf("failed to write preamble: %v", err)
		sock.Fail(err)
		return nil
	}
	c.Response().Flush()

	ticker := time.NewTicker(a.opts.HeartbeatInterval())
	defer ticker.Stop()
	ctx := req.Context()
	for {
		select {
		case <-ctx.Done():
			sock.End()
			// pending writes fail instead of waiting for a reader
			_ = ses.Close()
			return nil
		case <-ses.closed:
			return nil
		case w := <-ses.frames:
			err := writeEventFrame(c.Response(), w.payload)
			w.result <- err
			if err != nil {
				transportErrorsMetric.WithLabelValues(TransportEventSource).Inc()
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Response(), heartbeatFrame); err != nil {
				log.Debugf("heartbeat write failed: %v", err)
				transportErrorsMetric.WithLabelValues(TransportEventSource).Inc()
				sock.Fail(err)
				return nil
			}
			c.Response().Flush()
		}
	}
}

// writeEventFrame writes payload as one event, one data line per payload line.
func writeEventFrame(resp *echo.Response, payload []byte) error {
	var b strings.Builder
	for _, line := range strings.Split(string(payload), "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(resp, b.String()); err != nil {
		return err
	}
	resp.Flush()
	return nil
}

// serveXhrSend delivers a JSON array of strings to the session's socket.
func (a *App) serveXhrSend(c echo.Context, sessionID string) error {
	if !a.opts.transportEnabled(TransportXhrSend) {
		return c.JSON(utils.HttpResError("not found", http.StatusNotFound))
	}
	req := c.Request()
	if req.Method != http.MethodPost {
		return a.methodNotAllowed(c, "POST")
	}
	ses, ok := a.sessions.get(sessionID)
	var sock *Socket
	if ok {
		sock = ses.socket.Load()
	}
	if sock == nil {
		return c.JSON(utils.HttpResError("session not found", http.StatusNotFound))
	}
	a.setJSessionID(c)

	body, err := io.ReadAll(io.LimitReader(req.Body, a.opts.MaxPayloadBytes+1))
	if err != nil {
		return c.String(http.StatusInternalServerError, "Payload expected.")
	}
	if int64(len(body)) > a.opts.MaxPayloadBytes {
		return c.String(http.StatusRequestEntityTooLarge, "Payload too large.")
	}
	if len(body) == 0 {
		return c.String(http.StatusInternalServerError, "Payload expected.")
	}
	var messages []string
	if err := sonic.Unmarshal(body, &messages); err != nil {
		return c.String(http.StatusInternalServerError, "Broken JSON encoding.")
	}
	for _, m := range messages {
		if !sock.Deliver([]byte(m)) {
			return c.JSON(utils.HttpResError("session not found", http.StatusNotFound))
		}
	}
	c.Response().Header().Set("Content-Type", "text/plain; charset=UTF-8")
	return c.NoContent(http.StatusNoContent)
}
