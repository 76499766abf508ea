package eventbus

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"
	"github.com/ton-connect/sockjs-bridge/internal/config"
)

const valkeyConnectRetries = 3

// ValkeyBus carries messages over Valkey/Redis pub/sub, one channel per
// address. The node subscribes to a channel while it has at least one
// local handler for the address.
type ValkeyBus struct {
	d         *dispatcher
	client    redis.UniversalClient
	isCluster bool

	subMutex   sync.Mutex
	pubSubConn *redis.PubSub
}

// NewValkeyBus connects to Valkey. Several comma separated URIs, or an
// AWS clustercfg endpoint, select cluster mode.
func NewValkeyBus(valkeyURI string) (*ValkeyBus, error) {
	log := log.WithField("prefix", "NewValkeyBus")

	client, isCluster, err := newValkeyClient(valkeyURI)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	backoff := retry.WithMaxRetries(valkeyConnectRetries, retry.NewExponential(100*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warnf("ping failed, retrying: %v", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	log.Info("Successfully connected to Valkey")
	return &ValkeyBus{
		d:         newDispatcher(),
		client:    client,
		isCluster: isCluster,
	}, nil
}

func newValkeyClient(valkeyURI string) (redis.UniversalClient, bool, error) {
	log := log.WithField("prefix", "newValkeyClient")
	uris := strings.Split(valkeyURI, ",")

	isCluster := len(uris) > 1 || strings.Contains(strings.ToLower(valkeyURI), "clustercfg")
	if !isCluster {
		opts, err := redis.ParseURL(strings.TrimSpace(uris[0]))
		if err != nil {
			return nil, false, fmt.Errorf("failed to parse URI: %w", err)
		}
		log.Info("Using single-node mode")
		return redis.NewClient(opts), false, nil
	}

	var addrs []string
	var firstOpts *redis.Options
	if len(uris) > 1 {
		addrs = make([]string, len(uris))
		for i, uri := range uris {
			opts, err := redis.ParseURL(strings.TrimSpace(uri))
			if err != nil {
				return nil, false, fmt.Errorf("failed to parse URI %d: %w", i+1, err)
			}
			addrs[i] = opts.Addr
			if i == 0 {
				firstOpts = opts
			}
		}
	} else {
		raw := strings.TrimSpace(uris[0])
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, false, fmt.Errorf("failed to parse URI: %w", err)
		}
		// clustercfg endpoints are seeded by hostname; go-redis discovers the nodes
		seed := opts.Addr
		if u, _ := url.Parse(raw); u != nil && strings.Contains(strings.ToLower(u.Host), "clustercfg") {
			seed = u.Host
		}
		addrs = []string{seed}
		firstOpts = opts
	}
	log.Infof("Using cluster mode with %d node seed(s)", len(addrs))

	return redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:        addrs,
		Password:     firstOpts.Password,
		Username:     firstOpts.Username,
		TLSConfig:    firstOpts.TLSConfig,
		ReadTimeout:  parseTimeout("VALKEY_READ_TIMEOUT", config.Config.ValkeyReadTimeout, 30*time.Second),
		WriteTimeout: parseTimeout("VALKEY_WRITE_TIMEOUT", config.Config.ValkeyWriteTimeout, 30*time.Second),
		DialTimeout:  parseTimeout("VALKEY_DIAL_TIMEOUT", config.Config.ValkeyDialTimeout, 10*time.Second),
		PoolTimeout:  parseTimeout("VALKEY_POOL_TIMEOUT", config.Config.ValkeyPoolTimeout, 30*time.Second),
	}), true, nil
}

func parseTimeout(name, value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warnf("invalid %s '%s', using default %v: %v", name, value, fallback, err)
		return fallback
	}
	return d
}

func (b *ValkeyBus) Publish(ctx context.Context, addr string, body []byte, headers map[string]string) error {
	return b.transmit(ctx, Message{Address: addr, Body: body, Headers: headers})
}

func (b *ValkeyBus) Send(ctx context.Context, addr string, body []byte, headers map[string]string, reply Handler) error {
	msg := Message{Address: addr, Body: body, Headers: headers, PointToPoint: true}
	if err := validateAddress(addr); err != nil {
		return err
	}
	if reply != nil {
		if err := attachReply(ctx, b, &msg, reply); err != nil {
			return err
		}
	}
	return b.transmit(ctx, msg)
}

func (b *ValkeyBus) transmit(ctx context.Context, msg Message) error {
	if err := validateAddress(msg.Address); err != nil {
		return err
	}
	if b.d.isClosed() {
		return ErrClosed
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, channelName(msg.Address), data).Err(); err != nil {
		publishErrorsMetric.WithLabelValues("valkey").Inc()
		return fmt.Errorf("failed to publish message to %s: %w", msg.Address, err)
	}
	return nil
}

func (b *ValkeyBus) Subscribe(ctx context.Context, addr string, h Handler) (*Registration, error) {
	log := log.WithField("prefix", "ValkeyBus.Subscribe")
	reg, first, err := b.d.add(addr, h)
	if err != nil || !first {
		return reg, err
	}

	b.subMutex.Lock()
	defer b.subMutex.Unlock()
	channel := channelName(addr)
	if b.pubSubConn == nil {
		b.pubSubConn = b.client.Subscribe(ctx, channel)
		go b.handlePubSub(b.pubSubConn)
	} else if err := b.pubSubConn.Subscribe(ctx, channel); err != nil {
		b.d.remove(reg)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", addr, err)
	}
	log.Debugf("subscribed to channel %s", channel)
	return reg, nil
}

func (b *ValkeyBus) Unsubscribe(ctx context.Context, reg *Registration) error {
	last, found := b.d.remove(reg)
	if !found || !last {
		return nil
	}
	b.subMutex.Lock()
	defer b.subMutex.Unlock()
	// a new handler may have arrived between remove and here
	if b.pubSubConn == nil || b.d.hasHandlers(reg.Address) {
		return nil
	}
	if err := b.pubSubConn.Unsubscribe(ctx, channelName(reg.Address)); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", reg.Address, err)
	}
	return nil
}

// handlePubSub decodes pub/sub traffic and hands it to local handlers.
func (b *ValkeyBus) handlePubSub(ps *redis.PubSub) {
	log := log.WithField("prefix", "ValkeyBus.handlePubSub")
	for raw := range ps.Channel() {
		var msg Message
		if err := sonic.UnmarshalString(raw.Payload, &msg); err != nil {
			log.Errorf("failed to unmarshal pub-sub message on %s: %v", raw.Channel, err)
			continue
		}
		b.d.deliver(context.Background(), msg)
	}
}

// HealthCheck verifies the connection to Valkey
func (b *ValkeyBus) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("valkey health check failed: %w", err)
	}
	return nil
}

func (b *ValkeyBus) Close() error {
	if !b.d.shutdown() {
		return nil
	}
	b.subMutex.Lock()
	if b.pubSubConn != nil {
		_ = b.pubSubConn.Close()
		b.pubSubConn = nil
	}
	b.subMutex.Unlock()
	return b.client.Close()
}

func channelName(addr string) string {
	return "bus:" + addr
}
