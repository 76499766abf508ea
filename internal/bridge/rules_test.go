package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/ton-connect/sockjs-bridge/internal/sockjs"
)

func TestRuleSetCheck(t *testing.T) {
	rules := []BridgeRule{
		{Address: "app.chat"},
		{Address: "feed.*"},
		{AddressRe: `user\.[0-9]+`},
		{Address: "secure.*", RequiresAuth: true},
		{Address: "secure.public"},
		{Address: "mixed.*", AddressRe: `mixed\.[a-z]+`},
	}
	set, err := compileRules(rules)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		addr string
		want verdict
	}{
		{addr: "app.chat", want: allowed},
		{addr: "app.chatter", want: denied},
		{addr: "feed.news", want: allowed},
		{addr: "feed.a/b", want: denied},
		{addr: "user.42", want: allowed},
		{addr: "user.42x", want: denied},
		{addr: "xuser.42", want: denied},
		{addr: "secure.cmd", want: needsAuth},
		{addr: "secure.public", want: allowed},
		{addr: "mixed.abc", want: allowed},
		{addr: "mixed.123", want: denied},
		{addr: "", want: denied},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := set.check(tt.addr); got != tt.want {
				t.Errorf("check(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestEmptyRuleSetDeniesEverything(t *testing.T) {
	set, err := compileRules(nil)
	if err != nil {
		t.Fatal(err)
	}
	if set.check("anything") != denied {
		t.Fatal("empty rule set must deny")
	}
}

func TestCompileRulesErrors(t *testing.T) {
	tests := []struct {
		name  string
		rules []BridgeRule
	}{
		{name: "empty rule", rules: []BridgeRule{{RequiresAuth: true}}},
		{name: "bad glob", rules: []BridgeRule{{Address: "a["}}},
		{name: "bad regexp", rules: []BridgeRule{{AddressRe: "a("}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := compileRules(tt.rules); !errors.Is(err, sockjs.ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestDecodeOptions(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantErr     bool
		wantTimeout time.Duration
		wantIn      int
	}{
		{
			name:        "full",
			raw:         `{"inbound_permitted":[{"address":"a.*"},{"address_re":"b.+","requires_auth":true}],"outbound_permitted":[],"reply_timeout_ms":500}`,
			wantTimeout: 500 * time.Millisecond,
			wantIn:      2,
		},
		{
			name:        "defaults",
			raw:         `{}`,
			wantTimeout: DefaultReplyTimeout,
		},
		{name: "unknown option", raw: `{"inbound":[]}`, wantErr: true},
		{name: "unknown rule field", raw: `{"inbound_permitted":[{"adress":"a"}]}`, wantErr: true},
		{name: "negative timeout", raw: `{"reply_timeout_ms":-1}`, wantErr: true},
		{name: "not json", raw: `[`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := DecodeOptions([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, sockjs.ErrConfiguration) {
					t.Fatalf("expected ErrConfiguration, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if opts.ReplyTimeout() != tt.wantTimeout {
				t.Errorf("ReplyTimeout() = %v, want %v", opts.ReplyTimeout(), tt.wantTimeout)
			}
			if len(opts.InboundPermitted) != tt.wantIn {
				t.Errorf("got %d inbound rules, want %d", len(opts.InboundPermitted), tt.wantIn)
			}
		})
	}
}

func TestBodyJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: `{"a":1}`, want: `{"a":1}`},
		{in: `42`, want: `42`},
		{in: `plain text`, want: `"plain text"`},
		{in: ``, want: ``},
	}
	for _, tt := range tests {
		if got := string(bodyJSON([]byte(tt.in))); got != tt.want {
			t.Errorf("bodyJSON(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
