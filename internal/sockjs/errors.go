package sockjs

import "errors"

var (
	// ErrConfiguration is returned for a bad or overlapping install.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvalidArgument is returned for a bad API call shape.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrProtocol marks a malformed envelope or frame.
	ErrProtocol = errors.New("protocol error")
	// ErrPermissionDenied marks an envelope blocked by a bridge rule.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTransport wraps failures of the underlying connection.
	ErrTransport = errors.New("transport error")
	// ErrSocketClosed is returned by writes on a closed socket.
	ErrSocketClosed = errors.New("socket closed")
)
