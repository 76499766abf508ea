package eventbus

import (
	"context"
)

// MemoryBus delivers messages in process, synchronously on the caller's
// goroutine.
type MemoryBus struct {
	d *dispatcher
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{d: newDispatcher()}
}

func (b *MemoryBus) Publish(ctx context.Context, addr string, body []byte, headers map[string]string) error {
	if err := validateAddress(addr); err != nil {
		return err
	}
	if b.d.isClosed() {
		return ErrClosed
	}
	b.d.deliver(ctx, Message{Address: addr, Body: body, Headers: headers})
	return nil
}

func (b *MemoryBus) Send(ctx context.Context, addr string, body []byte, headers map[string]string, reply Handler) error {
	if err := validateAddress(addr); err != nil {
		return err
	}
	if b.d.isClosed() {
		return ErrClosed
	}
	msg := Message{Address: addr, Body: body, Headers: headers, PointToPoint: true}
	if reply != nil {
		if err := attachReply(ctx, b, &msg, reply); err != nil {
			return err
		}
	}
	b.d.deliver(ctx, msg)
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, addr string, h Handler) (*Registration, error) {
	reg, _, err := b.d.add(addr, h)
	return reg, err
}

func (b *MemoryBus) Unsubscribe(ctx context.Context, reg *Registration) error {
	b.d.remove(reg)
	return nil
}

func (b *MemoryBus) HealthCheck() error {
	if b.d.isClosed() {
		return ErrClosed
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.d.shutdown()
	return nil
}
