package bridge

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Envelope types sent by clients.
const (
	TypeRegister   = "register"
	TypeUnregister = "unregister"
	TypeSend       = "send"
	TypePublish    = "publish"
	TypePing       = "ping"
)

// Envelope types sent by the bridge.
const (
	TypeReceive = "rec"
	TypeError   = "err"
	TypePong    = "pong"
)

// Error envelope messages.
const (
	ErrMsgAccessDenied   = "access_denied"
	ErrMsgAuthRequired   = "auth_required"
	ErrMsgInvalidJSON    = "invalid_json"
	ErrMsgMissingAddress = "missing_address"
	ErrMsgUnknownType    = "unknown_type"
	ErrMsgInternal       = "internal_error"
)

// Envelope is one bridge frame. Body is kept as raw JSON and passed to the
// bus untouched.
type Envelope struct {
	Type         string            `json:"type"`
	Address      string            `json:"address,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	ReplyAddress string            `json:"replyAddress,omitempty"`
	SessionID    string            `json:"sessionID,omitempty"`
	Message      string            `json:"message,omitempty"`
}

func decodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	err := sonic.Unmarshal(payload, &env)
	return env, err
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	return sonic.Marshal(env)
}

func errorEnvelope(address, message string) Envelope {
	return Envelope{Type: TypeError, Address: address, Message: message}
}

// bodyJSON returns body as a JSON value. Bodies that are not JSON, such as
// raw payloads published by other bus users, become JSON strings.
func bodyJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return body
	}
	quoted, err := sonic.Marshal(string(body))
	if err != nil {
		return nil
	}
	return quoted
}
