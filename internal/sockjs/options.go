package sockjs

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/exp/slices"
)

// Transport names accepted by AppOptions.DisabledTransports.
const (
	TransportWebsocket   = "websocket"
	TransportEventSource = "eventsource"
	TransportXhrSend     = "xhr_send"
)

var knownTransports = []string{TransportWebsocket, TransportEventSource, TransportXhrSend}

const (
	DefaultHeartbeatInterval   = 25 * time.Second
	DefaultMaxPayloadBytes     = int64(64 * 1024)
	DefaultWriteQueueMaxSize   = 64 * 1024
	DefaultMaxBufferedMessages = 1024
)

// strictJSON rejects keys that AppOptions does not know.
var strictJSON = sonic.Config{
	DisallowUnknownFields: true,
}.Froze()

// AppOptions configures one installed application. Every recognized option
// has a JSON name; unknown names are rejected by DecodeAppOptions.
type AppOptions struct {
	Prefix              string   `json:"prefix"`
	HeartbeatIntervalMs int64    `json:"heartbeat_interval_ms,omitempty"`
	MaxPayloadBytes     int64    `json:"max_payload_bytes,omitempty"`
	AllowedOrigins      []string `json:"allowed_origins,omitempty"`
	InsertJSessionID    bool     `json:"insert_jsessionid,omitempty"`
	WriteQueueMaxSize   int      `json:"write_queue_max_size,omitempty"`
	MaxBufferedMessages int      `json:"max_buffered_messages,omitempty"`
	DisabledTransports  []string `json:"disabled_transports,omitempty"`
}

// DefaultAppOptions returns options for prefix with every other field at its default.
func DefaultAppOptions(prefix string) AppOptions {
	return AppOptions{
		Prefix:              prefix,
		HeartbeatIntervalMs: DefaultHeartbeatInterval.Milliseconds(),
		MaxPayloadBytes:     DefaultMaxPayloadBytes,
		WriteQueueMaxSize:   DefaultWriteQueueMaxSize,
		MaxBufferedMessages: DefaultMaxBufferedMessages,
	}
}

// DecodeAppOptions parses a JSON object into AppOptions. Zero fields take
// their defaults. Unknown keys and invalid values fail with ErrConfiguration.
func DecodeAppOptions(raw []byte) (AppOptions, error) {
	var opts AppOptions
	if err := strictJSON.Unmarshal(raw, &opts); err != nil {
		return AppOptions{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return AppOptions{}, err
	}
	return opts, nil
}

// DecodeAppOptionsList parses a JSON array of app options.
func DecodeAppOptionsList(raw []byte) ([]AppOptions, error) {
	var list []AppOptions
	if err := strictJSON.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	for i := range list {
		list[i] = list[i].WithDefaults()
		if err := list[i].Validate(); err != nil {
			return nil, fmt.Errorf("app %d: %w", i, err)
		}
	}
	return list, nil
}

// WithDefaults fills zero numeric fields with defaults and normalizes the prefix.
func (o AppOptions) WithDefaults() AppOptions {
	d := DefaultAppOptions(o.Prefix)
	if o.HeartbeatIntervalMs == 0 {
		o.HeartbeatIntervalMs = d.HeartbeatIntervalMs
	}
	if o.MaxPayloadBytes == 0 {
		o.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if o.WriteQueueMaxSize == 0 {
		o.WriteQueueMaxSize = d.WriteQueueMaxSize
	}
	if o.MaxBufferedMessages == 0 {
		o.MaxBufferedMessages = d.MaxBufferedMessages
	}
	o.Prefix = normalizePrefix(o.Prefix)
	return o
}

// Validate reports the first invalid field wrapped in ErrConfiguration.
func (o AppOptions) Validate() error {
	if o.Prefix == "" || !strings.HasPrefix(o.Prefix, "/") {
		return fmt.Errorf("%w: prefix %q must start with '/'", ErrConfiguration, o.Prefix)
	}
	if strings.ContainsAny(o.Prefix, "?#*") || strings.Contains(o.Prefix, "//") {
		return fmt.Errorf("%w: prefix %q contains forbidden characters", ErrConfiguration, o.Prefix)
	}
	if o.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("%w: heartbeat_interval_ms must be positive", ErrConfiguration)
	}
	if o.MaxPayloadBytes <= 0 {
		return fmt.Errorf("%w: max_payload_bytes must be positive", ErrConfiguration)
	}
	if o.WriteQueueMaxSize <= 0 {
		return fmt.Errorf("%w: write_queue_max_size must be positive", ErrConfiguration)
	}
	if o.MaxBufferedMessages <= 0 {
		return fmt.Errorf("%w: max_buffered_messages must be positive", ErrConfiguration)
	}
	for _, t := range o.DisabledTransports {
		if !slices.Contains(knownTransports, t) {
			return fmt.Errorf("%w: unknown transport %q", ErrConfiguration, t)
		}
	}
	return nil
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (o AppOptions) HeartbeatInterval() time.Duration {
	return time.Duration(o.HeartbeatIntervalMs) * time.Millisecond
}

func (o AppOptions) transportEnabled(name string) bool {
	return !slices.Contains(o.DisabledTransports, name)
}

// originAllowed reports whether origin may open a socket. An empty list or
// a "*" entry allows everything; requests without an Origin header are allowed.
func (o AppOptions) originAllowed(origin string) bool {
	if len(o.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	return slices.Contains(o.AllowedOrigins, "*") || slices.Contains(o.AllowedOrigins, origin)
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}
