package server

import (
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		trusted []string
		headers map[string]string
		want    string
	}{
		{
			name:    "no proxies",
			remote:  "198.51.100.10:1234",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.5"},
			want:    "198.51.100.10",
		},
		{
			name:    "untrusted peer ignores forwarding",
			remote:  "198.51.100.10:1234",
			trusted: []string{"203.0.113.1"},
			headers: map[string]string{"X-Forwarded-For": "203.0.113.5"},
			want:    "198.51.100.10",
		},
		{
			name:    "rightmost untrusted hop",
			remote:  "203.0.113.10:1234",
			trusted: []string{"203.0.113.10", "203.0.113.11"},
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1, 203.0.113.11, 192.0.2.20"},
			want:    "192.0.2.20",
		},
		{
			name:    "cidr and forwarded header",
			remote:  "10.1.2.3:1234",
			trusted: []string{"10.0.0.0/8", "not-an-ip", "300.0.0.0/8"},
			headers: map[string]string{"Forwarded": `for="[2001:db8::1]:4711";proto=https`},
			want:    "2001:db8::1",
		},
		{
			name:    "all trusted uses leftmost",
			remote:  "203.0.113.10:1234",
			trusted: []string{"203.0.113.10", "192.0.2.1", "192.0.2.2"},
			headers: map[string]string{"Forwarded": "for=192.0.2.1, for=192.0.2.2"},
			want:    "192.0.2.1",
		},
		{
			name:    "unknown forwarded value",
			remote:  "203.0.113.10:1234",
			trusted: []string{"203.0.113.10"},
			headers: map[string]string{"X-Forwarded-For": "unknown"},
			want:    "203.0.113.10",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{trustedProxies: newProxyMatcher(tt.trusted, zaptest.NewLogger(t))}
			r := httptest.NewRequest("GET", "http://gateway.local/ws", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, s.clientIP(r))
		})
	}
}

func TestParseHop(t *testing.T) {
	assert.Equal(t, "192.0.2.7", parseHop(`"192.0.2.7:80"`).String())
	assert.Equal(t, "192.0.2.7", parseHop("::ffff:192.0.2.7").String())
	assert.Equal(t, "fe80::1", parseHop("[fe80::1%eth0]:22").String())
	assert.False(t, parseHop("_hidden").IsValid())
}

func TestProxyMatcherEmpty(t *testing.T) {
	assert.Nil(t, newProxyMatcher([]string{" ", "bogus"}, zaptest.NewLogger(t)))
	var m *proxyMatcher
	assert.False(t, m.trusts(netip.Addr{}))
	assert.False(t, m.trusts(netip.MustParseAddr("10.0.0.1")))
}
