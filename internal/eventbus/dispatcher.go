package eventbus

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ton-connect/sockjs-bridge/internal/utils"
)

const replyPrefix = "__reply."

// dispatcher holds the handlers registered on this node and fans incoming
// messages out to them. Every backend embeds one.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]*Registration
	next     map[string]int
	closed   bool
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		handlers: make(map[string][]*Registration),
		next:     make(map[string]int),
	}
}

// add registers h and reports whether it is the first handler of addr.
func (d *dispatcher) add(addr string, h Handler) (*Registration, bool, error) {
	if err := validateAddress(addr); err != nil {
		return nil, false, err
	}
	reg := &Registration{ID: uuid.NewString(), Address: addr, handler: h}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, false, ErrClosed
	}
	first := len(d.handlers[addr]) == 0
	d.handlers[addr] = append(d.handlers[addr], reg)
	subscriptionsMetric.Inc()
	return reg, first, nil
}

// remove drops reg and reports whether it was the last handler of its
// address. found is false when reg was already removed.
func (d *dispatcher) remove(reg *Registration) (last bool, found bool) {
	if reg == nil {
		return false, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.handlers[reg.Address]
	for i, r := range regs {
		if r != reg {
			continue
		}
		regs = append(regs[:i:i], regs[i+1:]...)
		subscriptionsMetric.Dec()
		if len(regs) == 0 {
			delete(d.handlers, reg.Address)
			delete(d.next, reg.Address)
			return true, true
		}
		d.handlers[reg.Address] = regs
		return false, true
	}
	return false, false
}

func (d *dispatcher) hasHandlers(addr string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[addr]) > 0
}

// deliver runs the handlers selected for msg and returns how many ran.
// Handler panics are recovered and logged.
func (d *dispatcher) deliver(ctx context.Context, msg Message) int {
	d.mu.Lock()
	regs := d.handlers[msg.Address]
	var targets []*Registration
	switch {
	case len(regs) == 0:
	case msg.PointToPoint:
		i := d.next[msg.Address] % len(regs)
		d.next[msg.Address] = i + 1
		targets = []*Registration{regs[i]}
	default:
		targets = make([]*Registration, len(regs))
		copy(targets, regs)
	}
	d.mu.Unlock()

	if len(targets) == 0 {
		undeliveredMetric.Inc()
		return 0
	}
	for _, reg := range targets {
		h := reg.handler
		utils.CallWithRecovery(func() { h(ctx, msg) })
	}
	deliveredMetric.Add(float64(len(targets)))
	return len(targets)
}

// shutdown marks the dispatcher closed and forgets every handler.
func (d *dispatcher) shutdown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.closed = true
	for _, regs := range d.handlers {
		subscriptionsMetric.Sub(float64(len(regs)))
	}
	d.handlers = make(map[string][]*Registration)
	return true
}

func (d *dispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// attachReply subscribes reply on a fresh address and stores that address
// in msg. The registration is dropped after the first reply or when ctx
// is done.
func attachReply(ctx context.Context, b Bus, msg *Message, reply Handler) error {
	var once sync.Once
	replied := make(chan struct{})
	reg, err := b.Subscribe(ctx, replyPrefix+uuid.NewString(), func(hctx context.Context, m Message) {
		once.Do(func() {
			close(replied)
			reply(hctx, m)
		})
	})
	if err != nil {
		return err
	}
	msg.ReplyAddress = reg.Address
	utils.RunWithRecovery(func() {
		select {
		case <-replied:
		case <-ctx.Done():
		}
		_ = b.Unsubscribe(context.Background(), reg)
	})
	return nil
}

func validateAddress(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return ErrInvalidAddress
	}
	return nil
}
