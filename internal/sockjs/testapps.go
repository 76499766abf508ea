package sockjs

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

const tickerPeriod = time.Second

// ConformanceApplications returns the SockJS protocol test apps, mounted under
// /echo, /close, /disabled_websocket_echo, /ticker, /amplify, /broadcast
// and /cookie_needed_echo. options apply to every app.
func ConformanceApplications(options ...AppOption) ([]*App, error) {
	disabledWS := DefaultAppOptions("/disabled_websocket_echo")
	disabledWS.DisabledTransports = []string{TransportWebsocket}
	cookieNeeded := DefaultAppOptions("/cookie_needed_echo")
	cookieNeeded.InsertJSessionID = true

	b := newBroadcaster()
	specs := []struct {
		opts    AppOptions
		handler SocketHandler
	}{
		{DefaultAppOptions("/echo"), EchoHandler},
		{DefaultAppOptions("/close"), closeHandler},
		{disabledWS, EchoHandler},
		{DefaultAppOptions("/ticker"), tickerHandler},
		{DefaultAppOptions("/amplify"), amplifyHandler},
		{DefaultAppOptions("/broadcast"), b.handle},
		{cookieNeeded, EchoHandler},
	}
	apps := make([]*App, 0, len(specs))
	for _, s := range specs {
		app, err := NewApp(s.opts, s.handler, options...)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// EchoHandler writes every inbound payload back, pausing the socket while
// the write queue is full.
func EchoHandler(sock *Socket) {
	sock.SetDrainHandler(sock.Resume)
	sock.SetHandler(func(payload []byte) {
		_ = sock.Write(payload)
		if sock.WriteQueueFull() {
			sock.Pause()
		}
	})
}

func closeHandler(sock *Socket) {
	sock.Close()
}

func tickerHandler(sock *Socket) {
	go func() {
		ticker := time.NewTicker(tickerPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-sock.Done():
				return
			case <-ticker.C:
				if err := sock.WriteString("tick!"); err != nil {
					return
				}
			}
		}
	}()
}

// amplifyHandler answers n with 2^n 'x' characters, n clamped to [1, 19].
func amplifyHandler(sock *Socket) {
	sock.SetHandler(func(payload []byte) {
		n, err := strconv.Atoi(strings.TrimSpace(string(payload)))
		if err != nil || n < 1 || n > 19 {
			n = 1
		}
		_ = sock.WriteString(strings.Repeat("x", 1<<n))
	})
}

type broadcaster struct {
	mu      sync.RWMutex
	sockets map[*Socket]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{sockets: make(map[*Socket]struct{})}
}

func (b *broadcaster) handle(sock *Socket) {
	b.mu.Lock()
	b.sockets[sock] = struct{}{}
	b.mu.Unlock()
	sock.OnClose(func() {
		b.mu.Lock()
		delete(b.sockets, sock)
		b.mu.Unlock()
	})
	sock.SetHandler(func(payload []byte) {
		b.mu.RLock()
		defer b.mu.RUnlock()
		for s := range b.sockets {
			_ = s.Write(payload)
		}
	})
}
