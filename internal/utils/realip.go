package utils

import (
	"net/http"
	"strings"

	"github.com/realclientip/realclientip-go"
)

const forwardedForHeader = "X-Forwarded-For"

// RealIPExtractor finds the client address of a request that may have
// passed through trusted proxies.
type RealIPExtractor struct {
	strategy realclientip.RightmostTrustedRangeStrategy
}

// NewRealIPExtractor trusts proxies in the given addresses and CIDR ranges.
func NewRealIPExtractor(trustedRanges []string) (*RealIPExtractor, error) {
	ipNets, err := realclientip.AddressesAndRangesToIPNets(trustedRanges...)
	if err != nil {
		return nil, err
	}
	strategy, err := realclientip.NewRightmostTrustedRangeStrategy(forwardedForHeader, ipNets)
	if err != nil {
		return nil, err
	}
	return &RealIPExtractor{strategy: strategy}, nil
}

var remoteAddrStrategy = realclientip.RemoteAddrStrategy{}

// Extract returns the rightmost X-Forwarded-For entry that is not a trusted
// proxy, with the TCP peer appended as the last hop. Without forwarding
// headers, or on a nil extractor, it returns the peer address.
func (e *RealIPExtractor) Extract(request *http.Request) string {
	peer := remoteAddrStrategy.ClientIP(nil, request.RemoteAddr)
	forwarded := request.Header.Get(forwardedForHeader)
	if e == nil || peer == "" || forwarded == "" {
		return peer
	}

	headers := http.Header{}
	headers.Set(forwardedForHeader, strings.Join([]string{forwarded, peer}, ", "))
	// the strategy ignores the remote address argument
	if ip := e.strategy.ClientIP(headers, ""); ip != "" {
		return ip
	}
	return peer
}
