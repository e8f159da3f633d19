package server

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	proxies := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("fd00::/8"),
	}

	tests := []struct {
		name       string
		remoteAddr string
		forwarded  []string
		trusted    []netip.Prefix
		want       string
	}{
		{"peer only", "192.0.2.1:4000", nil, nil, "192.0.2.1"},
		{"header ignored without trusted proxies", "192.0.2.1:4000", []string{"198.51.100.9"}, nil, "192.0.2.1"},
		{"header ignored from untrusted peer", "192.0.2.1:4000", []string{"198.51.100.9"}, proxies, "192.0.2.1"},
		{"trusted peer", "10.1.2.3:4000", []string{"198.51.100.9"}, proxies, "198.51.100.9"},
		{"client-supplied hops skipped", "10.1.2.3:4000", []string{"203.0.113.50, 198.51.100.9"}, proxies, "198.51.100.9"},
		{"proxy chain", "10.1.2.3:4000", []string{"198.51.100.9, 10.9.9.9", "10.0.0.2"}, proxies, "198.51.100.9"},
		{"all hops trusted", "10.1.2.3:4000", []string{"10.0.0.7, 10.0.0.8"}, proxies, "10.0.0.7"},
		{"garbage hop stops the walk", "10.1.2.3:4000", []string{"198.51.100.9, not-an-ip"}, proxies, "10.1.2.3"},
		{"ipv6 proxy", "[fd00::1]:4000", []string{"2001:db8::5"}, proxies, "2001:db8::5"},
		{"trusted peer without header", "10.1.2.3:4000", nil, proxies, "10.1.2.3"},
		{"unix socket", "unix-socket", []string{"198.51.100.9"}, proxies, "unix-socket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for _, v := range tt.forwarded {
				req.Header.Add("X-Forwarded-For", v)
			}

			assert.Equal(t, tt.want, clientIP(req, tt.trusted))
		})
	}
}
