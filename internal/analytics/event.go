package analytics

import (
	"time"

	"github.com/google/uuid"
)

// Event names emitted by bridges.
const (
	EventSocketOpened   = "bridge-socket-opened"
	EventSocketClosed   = "bridge-socket-closed"
	EventSubscribed     = "bridge-address-subscribed"
	EventUnsubscribed   = "bridge-address-unsubscribed"
	EventForwarded      = "bridge-message-forwarded"
	EventDelivered      = "bridge-message-delivered"
	EventPermissionDeny = "bridge-permission-denied"
)

// Event is one analytics record. Empty fields are omitted on the wire.
type Event struct {
	ID        string `json:"event_id"`
	Name      string `json:"event_name"`
	Bridge    string `json:"bridge"`
	Version   string `json:"version"`
	SocketID  string `json:"socket_id,omitempty"`
	Address   string `json:"address,omitempty"`
	Remote    string `json:"remote,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EventBuilder stamps events with the bridge they come from.
type EventBuilder struct {
	bridge  string
	version string
}

func NewEventBuilder(bridge, version string) *EventBuilder {
	return &EventBuilder{bridge: bridge, version: version}
}

func (b *EventBuilder) build(name, socketID, address string) Event {
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Bridge:    b.bridge,
		Version:   b.version,
		SocketID:  socketID,
		Address:   address,
		Timestamp: time.Now().Unix(),
	}
}

func (b *EventBuilder) SocketOpened(socketID, remote string) Event {
	e := b.build(EventSocketOpened, socketID, "")
	e.Remote = remote
	return e
}

func (b *EventBuilder) SocketClosed(socketID string) Event {
	return b.build(EventSocketClosed, socketID, "")
}

func (b *EventBuilder) Subscribed(socketID, address string) Event {
	return b.build(EventSubscribed, socketID, address)
}

func (b *EventBuilder) Unsubscribed(socketID, address string) Event {
	return b.build(EventUnsubscribed, socketID, address)
}

// Forwarded records a client message passed on to the bus.
func (b *EventBuilder) Forwarded(socketID, address string) Event {
	return b.build(EventForwarded, socketID, address)
}

// Delivered records a bus message written to a client.
func (b *EventBuilder) Delivered(socketID, address string) Event {
	return b.build(EventDelivered, socketID, address)
}

func (b *EventBuilder) PermissionDenied(socketID, address, reason string) Event {
	e := b.build(EventPermissionDeny, socketID, address)
	e.Reason = reason
	return e
}
