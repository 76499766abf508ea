package utils

import (
	"net/http"
	"testing"
)

func TestExtractOrigin(t *testing.T) {
	tests := []struct {
		rawURL string
		want   string
	}{
		{rawURL: "", want: ""},
		{rawURL: "null", want: "null"},
		{rawURL: "http://example.com", want: "http://example.com"},
		{rawURL: "https://example.com:8443/page?q=1", want: "https://example.com:8443"},
		{rawURL: "example.com/path", want: "example.com/path"},
		{rawURL: "ht tp://example.com", want: "ht tp://example.com"},
	}
	for _, tt := range tests {
		if got := ExtractOrigin(tt.rawURL); got != tt.want {
			t.Errorf("ExtractOrigin(%q) = %q, want %q", tt.rawURL, got, tt.want)
		}
	}
}

func TestRealIPExtractor(t *testing.T) {
	tests := []struct {
		name          string
		forwardedFor  string
		remoteAddr    string
		trustedRanges []string
		want          string
	}{
		{
			name:          "client behind trusted proxy",
			forwardedFor:  "203.0.113.1",
			remoteAddr:    "10.0.0.2:5000",
			trustedRanges: []string{"10.0.0.0/8"},
			want:          "203.0.113.1",
		},
		{
			name:          "proxy chain skips trusted hops",
			forwardedFor:  "203.0.113.1, 198.51.100.7, 10.1.1.1",
			remoteAddr:    "10.0.0.2:5000",
			trustedRanges: []string{"10.0.0.0/8"},
			want:          "198.51.100.7",
		},
		{
			name:          "untrusted peer ignores the header",
			forwardedFor:  "203.0.113.1",
			remoteAddr:    "192.0.2.9:5000",
			trustedRanges: []string{"10.0.0.0/8"},
			want:          "192.0.2.9",
		},
		{
			name:          "no header",
			remoteAddr:    "192.0.2.9:5000",
			trustedRanges: []string{"10.0.0.0/8"},
			want:          "192.0.2.9",
		},
		{
			name:          "ipv6 peer",
			remoteAddr:    "[2001:db8::1]:443",
			trustedRanges: []string{"10.0.0.0/8"},
			want:          "2001:db8::1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			extractor, err := NewRealIPExtractor(tt.trustedRanges)
			if err != nil {
				t.Fatal(err)
			}
			req := &http.Request{Header: http.Header{}, RemoteAddr: tt.remoteAddr}
			if tt.forwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.forwardedFor)
			}
			if got := extractor.Extract(req); got != tt.want {
				t.Errorf("Extract() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNilRealIPExtractor(t *testing.T) {
	var extractor *RealIPExtractor
	req := &http.Request{Header: http.Header{"X-Forwarded-For": {"203.0.113.1"}}, RemoteAddr: "192.0.2.9:5000"}
	if got := extractor.Extract(req); got != "192.0.2.9" {
		t.Fatalf("Extract() = %q", got)
	}
}
