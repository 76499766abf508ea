package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ton-connect/sockjs-bridge/internal/bridge"
	"github.com/ton-connect/sockjs-bridge/internal/config"
	"github.com/ton-connect/sockjs-bridge/internal/server"
	"github.com/ton-connect/sockjs-bridge/internal/sockjs"
)

var strictJSON = sonic.Config{DisallowUnknownFields: true}.Froze()

// mount is one entry of APPS_FILE. Entries with bridge rules become event
// bus bridges, the others echo apps.
type mount struct {
	App    sockjs.AppOptions `json:"app"`
	Bridge *bridge.Options   `json:"bridge,omitempty"`
}

func decodeMounts(raw []byte) ([]mount, error) {
	var mounts []mount
	if err := strictJSON.Unmarshal(raw, &mounts); err != nil {
		return nil, fmt.Errorf("%w: %v", sockjs.ErrConfiguration, err)
	}
	for i := range mounts {
		mounts[i].App = withEnvDefaults(mounts[i].App)
		if err := mounts[i].App.Validate(); err != nil {
			return nil, fmt.Errorf("mount %d: %w", i, err)
		}
		if b := mounts[i].Bridge; b != nil {
			if err := b.Validate(); err != nil {
				return nil, fmt.Errorf("mount %d: %w", i, err)
			}
		}
	}
	return mounts, nil
}

func loadMounts(path string) ([]mount, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read apps file: %w", err)
	}
	return decodeMounts(raw)
}

// withEnvDefaults fills options left unset with the process wide settings.
func withEnvDefaults(opts sockjs.AppOptions) sockjs.AppOptions {
	if opts.HeartbeatIntervalMs == 0 && config.Config.HeartbeatInterval > 0 {
		opts.HeartbeatIntervalMs = int64(config.Config.HeartbeatInterval) * 1000
	}
	if opts.MaxPayloadBytes == 0 && config.Config.MaxBodySize > 0 {
		opts.MaxPayloadBytes = config.Config.MaxBodySize
	}
	if opts.WriteQueueMaxSize == 0 {
		opts.WriteQueueMaxSize = config.Config.WriteQueueMaxSize
	}
	if opts.MaxBufferedMessages == 0 {
		opts.MaxBufferedMessages = config.Config.MaxBufferedMessages
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = config.Config.AllowedOrigins
	}
	return opts.WithDefaults()
}

// envBridge builds the bridge configured by BRIDGE_* variables. A rules
// file wins over the address lists.
func envBridge() (mount, bool, error) {
	if config.Config.BridgePrefix == "" {
		return mount{}, false, nil
	}
	var opts bridge.Options
	if config.Config.BridgeRulesFile != "" {
		raw, err := os.ReadFile(config.Config.BridgeRulesFile)
		if err != nil {
			return mount{}, false, fmt.Errorf("read bridge rules: %w", err)
		}
		if opts, err = bridge.DecodeOptions(raw); err != nil {
			return mount{}, false, err
		}
	} else {
		opts = bridge.Options{
			InboundPermitted:  addressRules(config.Config.BridgeInboundPermitted),
			OutboundPermitted: addressRules(config.Config.BridgeOutboundPermitted),
		}
	}
	if opts.ReplyTimeoutMs == 0 && config.Config.BridgeReplyTimeout > 0 {
		opts.ReplyTimeoutMs = (time.Duration(config.Config.BridgeReplyTimeout) * time.Second).Milliseconds()
	}
	m := mount{
		App:    withEnvDefaults(sockjs.AppOptions{Prefix: config.Config.BridgePrefix}),
		Bridge: &opts,
	}
	return m, true, m.App.Validate()
}

func addressRules(patterns []string) []bridge.BridgeRule {
	var rules []bridge.BridgeRule
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			rules = append(rules, bridge.BridgeRule{Address: p})
		}
	}
	return rules
}

func install(srv *server.Server, m mount) error {
	if m.Bridge != nil {
		return srv.Bridge(m.App, *m.Bridge)
	}
	return srv.InstallApp(m.App, sockjs.EchoHandler)
}
