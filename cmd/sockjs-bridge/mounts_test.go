package main

import (
	"errors"
	"testing"

	"github.com/ton-connect/sockjs-bridge/internal/config"
	"github.com/ton-connect/sockjs-bridge/internal/sockjs"
)

func TestDecodeMounts(t *testing.T) {
	config.Config.HeartbeatInterval = 10
	config.Config.WriteQueueMaxSize = 1000
	config.Config.MaxBufferedMessages = 8
	config.Config.MaxBodySize = 2048

	tests := []struct {
		name       string
		raw        string
		wantErr    bool
		wantBridge []bool
	}{
		{
			name:       "app and bridge",
			raw:        `[{"app":{"prefix":"/echo/"}},{"app":{"prefix":"/bus"},"bridge":{"inbound_permitted":[{"address":"a.*"}]}}]`,
			wantBridge: []bool{false, true},
		},
		{name: "unknown key", raw: `[{"app":{"prefix":"/x"},"extra":1}]`, wantErr: true},
		{name: "unknown app option", raw: `[{"app":{"prefix":"/x","heartbeat":1}}]`, wantErr: true},
		{name: "bad prefix", raw: `[{"app":{"prefix":"x"}}]`, wantErr: true},
		{name: "bad rule", raw: `[{"app":{"prefix":"/x"},"bridge":{"inbound_permitted":[{}]}}]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mounts, err := decodeMounts([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, sockjs.ErrConfiguration) {
					t.Fatalf("expected ErrConfiguration, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(mounts) != len(tt.wantBridge) {
				t.Fatalf("got %d mounts", len(mounts))
			}
			for i, m := range mounts {
				if (m.Bridge != nil) != tt.wantBridge[i] {
					t.Errorf("mount %d bridge = %v", i, m.Bridge != nil)
				}
				if m.App.HeartbeatIntervalMs != 10000 || m.App.WriteQueueMaxSize != 1000 || m.App.MaxPayloadBytes != 2048 {
					t.Errorf("mount %d did not take env defaults: %+v", i, m.App)
				}
			}
			if mounts[0].App.Prefix != "/echo" {
				t.Errorf("prefix not normalized: %q", mounts[0].App.Prefix)
			}
		})
	}
}

func TestEnvBridge(t *testing.T) {
	config.Config.BridgePrefix = ""
	if _, ok, err := envBridge(); ok || err != nil {
		t.Fatalf("no bridge expected, got ok=%v err=%v", ok, err)
	}

	config.Config.BridgePrefix = "/eventbus"
	config.Config.BridgeRulesFile = ""
	config.Config.BridgeInboundPermitted = []string{"app.*", " "}
	config.Config.BridgeOutboundPermitted = []string{"news"}
	config.Config.BridgeReplyTimeout = 5
	m, ok, err := envBridge()
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if len(m.Bridge.InboundPermitted) != 1 || m.Bridge.InboundPermitted[0].Address != "app.*" {
		t.Errorf("inbound rules = %+v", m.Bridge.InboundPermitted)
	}
	if m.Bridge.ReplyTimeoutMs != 5000 {
		t.Errorf("ReplyTimeoutMs = %d", m.Bridge.ReplyTimeoutMs)
	}
	if m.App.Prefix != "/eventbus" {
		t.Errorf("prefix = %q", m.App.Prefix)
	}
}
