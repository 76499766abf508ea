package sockjs

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/ton-connect/sockjs-bridge/internal/utils"
)

// Conn is the transport side of a Socket. WriteMessage is only called from
// the socket's writer goroutine; Close may be called from any goroutine.
type Conn interface {
	WriteMessage(payload []byte) error
	Close() error
}

// Metadata is captured once, when the transport handshake succeeds.
type Metadata struct {
	RemoteAddress string
	LocalAddress  string
	Headers       http.Header
	URI           string
}

// SocketHandler is invoked once for every new socket of an installed app.
type SocketHandler func(*Socket)

type socketState int

const (
	stateOpen socketState = iota
	stateClosed
)

// Socket is a duplex message connection with pause/resume on the inbound
// side and a bounded, non-blocking write queue on the outbound side.
//
// Every callback (data, end, exception, drain) runs on one dispatch
// goroutine per socket, so callbacks of the same socket never overlap.
// Write never blocks; producers watch WriteQueueFull and the drain handler.
type Socket struct {
	id   string
	meta Metadata
	conn Conn
	log  *logrus.Entry

	mu       sync.Mutex
	room     *sync.Cond
	state    socketState
	paused   bool
	ended    bool
	notified bool

	pending    [][]byte
	maxPending int
	control    []func()

	dataHandler      func([]byte)
	endHandler       func()
	exceptionHandler func(error)
	drainHandler     func()
	closeHooks       []func()

	outbox   [][]byte
	queued   int
	maxQueue int
	full     bool

	wake      chan struct{}
	writeWake chan struct{}
	done      chan struct{}
}

// NewSocket wraps conn and starts the socket's dispatch and writer
// goroutines. Transports call it after the handshake; Deliver, End and
// Fail feed it afterwards.
func NewSocket(conn Conn, meta Metadata, opts AppOptions) *Socket {
	headers := meta.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Del("Cookie")
	meta.Headers = headers

	opts = opts.WithDefaults()
	s := &Socket{
		id:         uuid.NewString(),
		meta:       meta,
		conn:       conn,
		maxPending: opts.MaxBufferedMessages,
		maxQueue:   opts.WriteQueueMaxSize,
		wake:       make(chan struct{}, 1),
		writeWake:  make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.room = sync.NewCond(&s.mu)
	s.log = logrus.WithFields(logrus.Fields{
		"prefix": "Socket",
		"socket": s.id,
		"remote": meta.RemoteAddress,
	})
	activeSocketsMetric.Inc()
	go s.dispatchLoop()
	go s.writeLoop()
	return s
}

// WriteHandlerID returns the unique identifier of the socket. The server
// registers it as an event bus address that writes to this socket.
func (s *Socket) WriteHandlerID() string {
	return s.id
}

func (s *Socket) RemoteAddress() string {
	return s.meta.RemoteAddress
}

func (s *Socket) LocalAddress() string {
	return s.meta.LocalAddress
}

// Headers returns the handshake request headers without cookies.
func (s *Socket) Headers() http.Header {
	return s.meta.Headers.Clone()
}

// URI returns the handshake request URI.
func (s *Socket) URI() string {
	return s.meta.URI
}

// SetHandler registers the inbound payload callback, replacing any previous one.
func (s *Socket) SetHandler(fn func([]byte)) {
	s.mu.Lock()
	s.dataHandler = fn
	s.mu.Unlock()
}

// SetEndHandler registers the callback fired once when the stream ends,
// after every buffered payload has been delivered.
func (s *Socket) SetEndHandler(fn func()) {
	s.mu.Lock()
	s.endHandler = fn
	s.mu.Unlock()
}

// SetExceptionHandler registers the callback fired on transport failure.
// The socket is closed when it runs and no data or end callback follows.
func (s *Socket) SetExceptionHandler(fn func(error)) {
	s.mu.Lock()
	s.exceptionHandler = fn
	s.mu.Unlock()
}

// SetDrainHandler registers the callback fired once per queue-full episode
// when occupancy drops back below the limit.
func (s *Socket) SetDrainHandler(fn func()) {
	s.mu.Lock()
	s.drainHandler = fn
	s.mu.Unlock()
}

// OnClose adds a hook run synchronously when the socket closes for any
// reason. Hooks added after close run immediately.
func (s *Socket) OnClose(fn func()) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		utils.CallWithRecovery(fn)
		return
	}
	s.closeHooks = append(s.closeHooks, fn)
	s.mu.Unlock()
}

// Pause stops inbound delivery. Payloads arriving meanwhile are buffered.
func (s *Socket) Pause() {
	s.mu.Lock()
	if s.state == stateOpen {
		s.paused = true
	}
	s.mu.Unlock()
}

// Resume restarts inbound delivery, buffered payloads first.
func (s *Socket) Resume() {
	s.mu.Lock()
	if s.state == stateOpen {
		s.paused = false
	}
	s.mu.Unlock()
	notify(s.wake)
}

// Write queues payload for transmission and returns immediately. Writes are
// accepted past the queue limit; callers should check WriteQueueFull.
func (s *Socket) Write(payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	s.outbox = append(s.outbox, buf)
	s.queued += len(buf)
	if !s.full && s.queued >= s.maxQueue {
		s.full = true
		writeQueueFullMetric.Inc()
	}
	s.mu.Unlock()
	notify(s.writeWake)
	return nil
}

// WriteString is Write for text payloads.
func (s *Socket) WriteString(payload string) error {
	return s.Write([]byte(payload))
}

// WriteQueueFull reports whether queued bytes reached the configured limit.
func (s *Socket) WriteQueueFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued >= s.maxQueue
}

// WriteQueueSize returns the number of queued, not yet transmitted bytes.
func (s *Socket) WriteQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

// SetWriteQueueMaxSize changes the backpressure threshold in bytes.
func (s *Socket) SetWriteQueueMaxSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: write queue max size must be positive, got %d", ErrInvalidArgument, n)
	}
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.maxQueue = n
	drained := false
	if s.queued >= n {
		if !s.full {
			s.full = true
			writeQueueFullMetric.Inc()
		}
	} else if s.full {
		s.full = false
		drained = s.scheduleDrainLocked()
	}
	s.mu.Unlock()
	if drained {
		notify(s.wake)
	}
	return nil
}

// IsClosed reports whether the socket reached its terminal state.
func (s *Socket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosed
}

// Done is closed when the socket closes.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Close releases the transport and discards buffered payloads and queued
// writes. The end handler fires unless an end or exception was already
// reported. Calling Close again does nothing.
func (s *Socket) Close() {
	s.terminate(nil)
}

// Deliver hands one inbound payload to the socket, in arrival order. It
// blocks while the inbound buffer is full and returns false once the
// socket is closed or ended.
func (s *Socket) Deliver(payload []byte) bool {
	s.mu.Lock()
	for s.state == stateOpen && len(s.pending) >= s.maxPending {
		s.room.Wait()
	}
	if s.state != stateOpen || s.ended {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, payload)
	s.mu.Unlock()
	receivedMessagesMetric.Inc()
	notify(s.wake)
	return true
}

// End records that the peer finished the stream. The end handler runs
// after the buffered payloads and the socket closes afterwards.
func (s *Socket) End() {
	s.mu.Lock()
	if s.state == stateClosed || s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()
	notify(s.wake)
}

// Fail closes the socket because of a transport failure and reports err
// to the exception handler.
func (s *Socket) Fail(err error) {
	s.terminate(fmt.Errorf("%w: %v", ErrTransport, err))
}

func (s *Socket) terminate(cause error) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	s.pending = nil
	s.outbox = nil
	s.queued = 0
	s.full = false
	// pending drain notifications are meaningless once closed
	s.control = nil
	if !s.notified {
		s.notified = true
		if cause != nil {
			if h := s.exceptionHandler; h != nil {
				s.control = append(s.control, func() { h(cause) })
			}
		} else if h := s.endHandler; h != nil {
			s.control = append(s.control, h)
		}
	}
	hooks := s.closeHooks
	s.closeHooks = nil
	s.room.Broadcast()
	s.mu.Unlock()

	close(s.done)
	if err := s.conn.Close(); err != nil {
		s.log.Debugf("transport close: %v", err)
	}
	activeSocketsMetric.Dec()
	if cause != nil {
		s.log.Infof("socket failed: %v", cause)
	} else {
		s.log.Debug("socket closed")
	}
	for _, hook := range hooks {
		utils.CallWithRecovery(hook)
	}
	notify(s.wake)
}

func (s *Socket) dispatchLoop() {
	for {
		fn, alive := s.next()
		if fn != nil {
			utils.CallWithRecovery(fn)
			continue
		}
		if !alive {
			return
		}
		<-s.wake
	}
}

// next picks the next callback to run: control callbacks first, then
// buffered payloads unless paused, then the end notification.
func (s *Socket) next() (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.control) > 0 {
		fn := s.control[0]
		s.control[0] = nil
		s.control = s.control[1:]
		return fn, true
	}
	if s.state == stateClosed {
		return nil, false
	}
	if s.paused {
		return nil, true
	}
	if len(s.pending) > 0 {
		payload := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.room.Signal()
		h := s.dataHandler
		if h == nil {
			return func() {}, true
		}
		return func() { h(payload) }, true
	}
	if s.ended && !s.notified {
		s.notified = true
		h := s.endHandler
		return func() {
			if h != nil {
				h()
			}
			s.terminate(nil)
		}, true
	}
	return nil, true
}

func (s *Socket) writeLoop() {
	for {
		select {
		case <-s.writeWake:
		case <-s.done:
			return
		}
		for {
			s.mu.Lock()
			if s.state == stateClosed || len(s.outbox) == 0 {
				s.mu.Unlock()
				break
			}
			payload := s.outbox[0]
			s.outbox[0] = nil
			s.outbox = s.outbox[1:]
			s.mu.Unlock()

			err := s.conn.WriteMessage(payload)

			s.mu.Lock()
			if s.state == stateClosed {
				s.mu.Unlock()
				return
			}
			s.queued -= len(payload)
			drained := false
			if err == nil && s.full && s.queued < s.maxQueue {
				s.full = false
				drained = s.scheduleDrainLocked()
			}
			ended := s.ended
			s.mu.Unlock()
			if drained {
				notify(s.wake)
			}

			if err != nil {
				if ended {
					// the peer is gone; buffered payloads are dropped and the
					// end handler fires even if the socket is paused
					s.log.Debugf("write after end: %v", err)
					s.terminate(nil)
					return
				}
				s.Fail(err)
				return
			}
			sentMessagesMetric.Inc()
		}
	}
}

func (s *Socket) scheduleDrainLocked() bool {
	h := s.drainHandler
	if h == nil {
		return false
	}
	s.control = append(s.control, h)
	return true
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
