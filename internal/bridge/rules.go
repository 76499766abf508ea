package bridge

import (
	"fmt"
	"path"
	"regexp"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ton-connect/sockjs-bridge/internal/sockjs"
)

const DefaultReplyTimeout = 30 * time.Second

var strictJSON = sonic.Config{
	DisallowUnknownFields: true,
}.Froze()

// BridgeRule permits the addresses it matches. Address is an exact address
// or a glob where '*' matches any run of characters other than '/';
// AddressRe is a regular expression that must match the whole address.
// When both are set, both must match.
type BridgeRule struct {
	Address      string `json:"address,omitempty"`
	AddressRe    string `json:"address_re,omitempty"`
	RequiresAuth bool   `json:"requires_auth,omitempty"`
}

// Options configures one bridge.
type Options struct {
	InboundPermitted  []BridgeRule `json:"inbound_permitted"`
	OutboundPermitted []BridgeRule `json:"outbound_permitted"`
	ReplyTimeoutMs    int64        `json:"reply_timeout_ms,omitempty"`
}

// DecodeOptions parses bridge options. Unknown keys and invalid rules fail
// with sockjs.ErrConfiguration.
func DecodeOptions(raw []byte) (Options, error) {
	var opts Options
	if err := strictJSON.Unmarshal(raw, &opts); err != nil {
		return Options{}, fmt.Errorf("%w: %v", sockjs.ErrConfiguration, err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (o Options) Validate() error {
	if o.ReplyTimeoutMs < 0 {
		return fmt.Errorf("%w: reply_timeout_ms must not be negative", sockjs.ErrConfiguration)
	}
	if _, err := compileRules(o.InboundPermitted); err != nil {
		return fmt.Errorf("inbound: %w", err)
	}
	if _, err := compileRules(o.OutboundPermitted); err != nil {
		return fmt.Errorf("outbound: %w", err)
	}
	return nil
}

// ReplyTimeout returns how long reply handlers stay registered.
func (o Options) ReplyTimeout() time.Duration {
	if o.ReplyTimeoutMs == 0 {
		return DefaultReplyTimeout
	}
	return time.Duration(o.ReplyTimeoutMs) * time.Millisecond
}

type compiledRule struct {
	glob         string
	re           *regexp.Regexp
	requiresAuth bool
}

func (r compiledRule) matches(addr string) bool {
	if r.glob != "" {
		if ok, _ := path.Match(r.glob, addr); !ok {
			return false
		}
	}
	if r.re != nil && !r.re.MatchString(addr) {
		return false
	}
	return true
}

// ruleSet is immutable after compileRules and safe for concurrent use.
type ruleSet struct {
	rules []compiledRule
}

func compileRules(rules []BridgeRule) (*ruleSet, error) {
	set := &ruleSet{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if r.Address == "" && r.AddressRe == "" {
			return nil, fmt.Errorf("%w: rule %d has neither address nor address_re", sockjs.ErrConfiguration, i)
		}
		c := compiledRule{glob: r.Address, requiresAuth: r.RequiresAuth}
		if r.Address != "" {
			if _, err := path.Match(r.Address, ""); err != nil {
				return nil, fmt.Errorf("%w: rule %d: bad address pattern %q", sockjs.ErrConfiguration, i, r.Address)
			}
		}
		if r.AddressRe != "" {
			re, err := regexp.Compile("^(?:" + r.AddressRe + ")$")
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d: %v", sockjs.ErrConfiguration, i, err)
			}
			c.re = re
		}
		set.rules = append(set.rules, c)
	}
	return set, nil
}

type verdict int

const (
	denied verdict = iota
	allowed
	needsAuth
)

// check matches addr against the rules. A matching rule without
// requires_auth wins over matching rules that require it.
func (s *ruleSet) check(addr string) verdict {
	v := denied
	for _, r := range s.rules {
		if !r.matches(addr) {
			continue
		}
		if !r.requiresAuth {
			return allowed
		}
		v = needsAuth
	}
	return v
}
