package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ton-connect/sockjs-bridge/internal"
	"github.com/ton-connect/sockjs-bridge/internal/analytics"
	"github.com/ton-connect/sockjs-bridge/internal/eventbus"
	"github.com/ton-connect/sockjs-bridge/internal/sockjs"
	"github.com/ton-connect/sockjs-bridge/internal/storage"
)

// Engine relays bridge envelopes between sockets and an event bus.
type Engine struct {
	prefix       string
	bus          eventbus.Bus
	inbound      *ruleSet
	outbound     *ruleSet
	replyTimeout time.Duration
	auth         Authorizer
	replies      storage.AddressCache
	collector    analytics.EventCollector
	events       *analytics.EventBuilder

	mu      sync.Mutex
	sockets map[*sockjs.Socket]*socketState
	closed  bool
	stop    chan struct{}
}

// socketState is the bridge's view of one socket.
type socketState struct {
	sock *sockjs.Socket
	log  *logrus.Entry

	mu     sync.Mutex
	subs   map[string]*eventbus.Registration
	tokens map[string]bool
	closed bool
}

type EngineOption func(*Engine)

// WithAuthorizer sets the token check for requires_auth rules. Without it
// every requires_auth address is refused.
func WithAuthorizer(a Authorizer) EngineOption {
	return func(e *Engine) { e.auth = a }
}

// WithCollector reports bridge events to c.
func WithCollector(c analytics.EventCollector) EngineOption {
	return func(e *Engine) { e.collector = c }
}

// NewEngine compiles opts. Invalid rules fail with sockjs.ErrConfiguration.
func NewEngine(prefix string, bus eventbus.Bus, opts Options, options ...EngineOption) (*Engine, error) {
	if bus == nil {
		return nil, sockjs.ErrInvalidArgument
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	inbound, _ := compileRules(opts.InboundPermitted)
	outbound, _ := compileRules(opts.OutboundPermitted)
	e := &Engine{
		prefix:       prefix,
		bus:          bus,
		inbound:      inbound,
		outbound:     outbound,
		replyTimeout: opts.ReplyTimeout(),
		auth:         denyAll{},
		replies:      storage.NewAddressCache(true, opts.ReplyTimeout()),
		collector:    analytics.NoopCollector{},
		events:       analytics.NewEventBuilder(prefix, internal.VersionRevision),
		sockets:      make(map[*sockjs.Socket]*socketState),
		stop:         make(chan struct{}),
	}
	for _, o := range options {
		o(e)
	}
	go e.cleanupWorker()
	return e, nil
}

// Handle attaches sock to the bridge. It is the SocketHandler of the
// bridge's app.
func (e *Engine) Handle(sock *sockjs.Socket) {
	st := &socketState{
		sock:   sock,
		subs:   make(map[string]*eventbus.Registration),
		tokens: make(map[string]bool),
		log: logrus.WithFields(logrus.Fields{
			"prefix": "Engine",
			"bridge": e.prefix,
			"socket": sock.WriteHandlerID(),
		}),
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sock.Close()
		return
	}
	e.sockets[sock] = st
	e.mu.Unlock()
	bridgeSocketsMetric.Inc()
	e.collector.TryAdd(e.events.SocketOpened(sock.WriteHandlerID(), sock.RemoteAddress()))

	sock.SetHandler(func(payload []byte) { e.handleFrame(st, payload) })
	sock.OnClose(func() { e.release(st) })
}

// Sockets returns the number of attached sockets.
func (e *Engine) Sockets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sockets)
}

// Close closes every attached socket, which releases its subscriptions.
// Calling Close again does nothing.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.stop)
	sockets := make([]*sockjs.Socket, 0, len(e.sockets))
	for sock := range e.sockets {
		sockets = append(sockets, sock)
	}
	e.mu.Unlock()
	for _, sock := range sockets {
		sock.Close()
	}
}

func (e *Engine) handleFrame(st *socketState, payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		protocolErrorsMetric.WithLabelValues(ErrMsgInvalidJSON).Inc()
		e.writeEnvelope(st, errorEnvelope("", ErrMsgInvalidJSON))
		return
	}
	switch env.Type {
	case TypePing:
		e.writeEnvelope(st, Envelope{Type: TypePong})
	case TypeRegister:
		if env.Address == "" {
			e.protocolError(st, ErrMsgMissingAddress)
			return
		}
		e.register(st, env.Address)
	case TypeUnregister:
		if env.Address == "" {
			e.protocolError(st, ErrMsgMissingAddress)
			return
		}
		e.unregister(st, env.Address)
	case TypeSend, TypePublish:
		if env.Address == "" {
			e.protocolError(st, ErrMsgMissingAddress)
			return
		}
		e.forward(st, env)
	default:
		e.protocolError(st, ErrMsgUnknownType)
	}
}

func (e *Engine) protocolError(st *socketState, reason string) {
	protocolErrorsMetric.WithLabelValues(reason).Inc()
	e.writeEnvelope(st, errorEnvelope("", reason))
}

// register subscribes the socket to addr. A second register for the same
// address keeps the existing subscription.
func (e *Engine) register(st *socketState, addr string) {
	st.mu.Lock()
	if st.closed || st.subs[addr] != nil {
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()

	reg, err := e.bus.Subscribe(context.Background(), addr, func(ctx context.Context, msg eventbus.Message) {
		e.deliver(st, msg)
	})
	if err != nil {
		st.log.Errorf("subscribe %s: %v", addr, err)
		e.writeEnvelope(st, errorEnvelope(addr, ErrMsgInternal))
		return
	}

	st.mu.Lock()
	if st.closed || st.subs[addr] != nil {
		st.mu.Unlock()
		_ = e.bus.Unsubscribe(context.Background(), reg)
		return
	}
	st.subs[addr] = reg
	st.mu.Unlock()
	subscriptionsMetric.Inc()
	e.collector.TryAdd(e.events.Subscribed(st.sock.WriteHandlerID(), addr))
	st.log.Debugf("registered %s", addr)
}

func (e *Engine) unregister(st *socketState, addr string) {
	st.mu.Lock()
	reg := st.subs[addr]
	delete(st.subs, addr)
	st.mu.Unlock()
	if reg == nil {
		return
	}
	subscriptionsMetric.Dec()
	if err := e.bus.Unsubscribe(context.Background(), reg); err != nil {
		st.log.Errorf("unsubscribe %s: %v", addr, err)
	}
	e.collector.TryAdd(e.events.Unsubscribed(st.sock.WriteHandlerID(), addr))
}

// forward checks a send or publish against the inbound rules and passes it
// to the bus. Denied envelopes never reach the bus.
func (e *Engine) forward(st *socketState, env Envelope) {
	if reason, ok := e.permitInbound(st, env); !ok {
		deniedMetric.WithLabelValues("inbound").Inc()
		e.collector.TryAdd(e.events.PermissionDenied(st.sock.WriteHandlerID(), env.Address, reason))
		st.log.Debugf("denied %s to %s: %s", env.Type, env.Address, reason)
		e.writeEnvelope(st, errorEnvelope(env.Address, reason))
		return
	}

	var err error
	body := []byte(env.Body)
	if env.Type == TypePublish {
		err = e.bus.Publish(context.Background(), env.Address, body, env.Headers)
	} else {
		var reply eventbus.Handler
		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if env.ReplyAddress != "" {
			// the reply registration lives until the first reply or the timeout
			ctx, cancel = context.WithTimeout(ctx, e.replyTimeout)
			clientReply := env.ReplyAddress
			reply = func(_ context.Context, msg eventbus.Message) {
				defer cancel()
				e.deliverReply(st, clientReply, msg)
			}
		}
		err = e.bus.Send(ctx, env.Address, body, env.Headers, reply)
		if err != nil {
			cancel()
		}
	}
	if err != nil {
		st.log.Errorf("%s to %s failed: %v", env.Type, env.Address, err)
		e.writeEnvelope(st, errorEnvelope(env.Address, ErrMsgInternal))
		return
	}
	// a reply address handed out earlier is good for one answer
	e.replies.Remove(replyKey(st, env.Address))
	forwardedMetric.WithLabelValues(env.Type).Inc()
	e.collector.TryAdd(e.events.Forwarded(st.sock.WriteHandlerID(), env.Address))
}

// replyKey scopes a reply address to the socket it was handed to.
func replyKey(st *socketState, addr string) string {
	return st.sock.WriteHandlerID() + "|" + addr
}

func (e *Engine) permitInbound(st *socketState, env Envelope) (string, bool) {
	if env.Type == TypeSend && e.replies.IsMarked(replyKey(st, env.Address)) {
		return "", true
	}
	switch e.inbound.check(env.Address) {
	case allowed:
		return "", true
	case needsAuth:
		if e.authorize(st, env.SessionID) {
			return "", true
		}
		return ErrMsgAuthRequired, false
	default:
		return ErrMsgAccessDenied, false
	}
}

// authorize checks token once per socket and remembers the answer.
func (e *Engine) authorize(st *socketState, token string) bool {
	if token == "" {
		return false
	}
	st.mu.Lock()
	ok, cached := st.tokens[token]
	st.mu.Unlock()
	if cached {
		return ok
	}
	ok = e.auth.Authorize(context.Background(), token)
	st.mu.Lock()
	st.tokens[token] = ok
	st.mu.Unlock()
	return ok
}

func (st *socketState) authenticated() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, ok := range st.tokens {
		if ok {
			return true
		}
	}
	return false
}

// deliver writes a bus message to the socket if the outbound rules allow it.
func (e *Engine) deliver(st *socketState, msg eventbus.Message) {
	switch e.outbound.check(msg.Address) {
	case allowed:
	case needsAuth:
		if !st.authenticated() {
			deniedMetric.WithLabelValues("outbound").Inc()
			return
		}
	default:
		deniedMetric.WithLabelValues("outbound").Inc()
		return
	}
	e.writeReceived(st, msg.Address, msg)
}

// deliverReply writes a reply to the address the client chose for it.
// Replies are not filtered by the outbound rules.
func (e *Engine) deliverReply(st *socketState, clientAddr string, msg eventbus.Message) {
	e.writeReceived(st, clientAddr, msg)
}

func (e *Engine) writeReceived(st *socketState, addr string, msg eventbus.Message) {
	if msg.ReplyAddress != "" {
		e.replies.Mark(replyKey(st, msg.ReplyAddress))
	}
	if e.writeEnvelope(st, Envelope{
		Type:         TypeReceive,
		Address:      addr,
		Headers:      msg.Headers,
		Body:         bodyJSON(msg.Body),
		ReplyAddress: msg.ReplyAddress,
	}) {
		deliveredMetric.Inc()
		e.collector.TryAdd(e.events.Delivered(st.sock.WriteHandlerID(), addr))
	}
}

func (e *Engine) writeEnvelope(st *socketState, env Envelope) bool {
	data, err := encodeEnvelope(env)
	if err != nil {
		st.log.Errorf("encode %s envelope: %v", env.Type, err)
		return false
	}
	if err := st.sock.Write(data); err != nil {
		if !errors.Is(err, sockjs.ErrSocketClosed) {
			st.log.Errorf("write: %v", err)
		}
		return false
	}
	return true
}

// release drops every subscription of a closed socket.
func (e *Engine) release(st *socketState) {
	st.mu.Lock()
	st.closed = true
	subs := st.subs
	st.subs = make(map[string]*eventbus.Registration)
	st.mu.Unlock()

	for addr, reg := range subs {
		subscriptionsMetric.Dec()
		if err := e.bus.Unsubscribe(context.Background(), reg); err != nil {
			st.log.Errorf("unsubscribe %s: %v", addr, err)
		}
		e.collector.TryAdd(e.events.Unsubscribed(st.sock.WriteHandlerID(), addr))
	}

	e.mu.Lock()
	delete(e.sockets, st.sock)
	e.mu.Unlock()
	bridgeSocketsMetric.Dec()
	e.collector.TryAdd(e.events.SocketClosed(st.sock.WriteHandlerID()))
}

func (e *Engine) cleanupWorker() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if n := e.replies.Cleanup(); n > 0 {
				logrus.WithField("prefix", "Engine.cleanupWorker").Debugf("dropped %d expired reply addresses", n)
			}
		}
	}
}
