package eventbus

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrClosed         = errors.New("event bus closed")
	ErrInvalidAddress = errors.New("invalid address")
)

// Message is one unit carried by the bus.
type Message struct {
	Address      string            `json:"address"`
	Body         []byte            `json:"body"`
	Headers      map[string]string `json:"headers,omitempty"`
	ReplyAddress string            `json:"replyAddress,omitempty"`
	// PointToPoint marks a Send: it reaches one handler per node instead
	// of every handler.
	PointToPoint bool `json:"p2p,omitempty"`
}

// Handler consumes messages for a subscribed address. Handlers run on the
// goroutine that received the message and must not block for long.
type Handler func(ctx context.Context, msg Message)

// Registration is a handle for one Subscribe call.
type Registration struct {
	ID      string
	Address string
	handler Handler
}

// Bus is the messaging substrate used by bridges and socket write handlers.
type Bus interface {
	// Publish delivers msg to every handler subscribed to addr.
	Publish(ctx context.Context, addr string, body []byte, headers map[string]string) error
	// Send delivers to one handler of addr. When reply is not nil it is
	// registered on a fresh reply address until the first reply arrives or
	// ctx is done.
	Send(ctx context.Context, addr string, body []byte, headers map[string]string, reply Handler) error
	Subscribe(ctx context.Context, addr string, h Handler) (*Registration, error)
	Unsubscribe(ctx context.Context, reg *Registration) error
	HealthCheck() error
	Close() error
}

// NewBus builds the bus named by kind: memory, valkey (or redis) and postgres.
func NewBus(kind string, uri string) (Bus, error) {
	switch kind {
	case "memory", "":
		return NewMemoryBus(), nil
	case "valkey", "redis":
		return NewValkeyBus(uri)
	case "postgres":
		return NewPgBus(uri)
	default:
		return nil, fmt.Errorf("unsupported bus type: %s", kind)
	}
}
