package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"
)

// clientIP returns the address a request came from. Forwarding headers
// are honoured only when the direct peer is a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	addr := resolveClientAddr(r, s.trustedProxies)
	if !addr.IsValid() {
		return ""
	}
	return addr.String()
}

// resolveClientAddr walks the forwarding chain from the nearest hop
// outwards and stops at the first address that is not a known proxy.
// When every hop is a proxy the originating (leftmost) one wins.
func resolveClientAddr(r *http.Request, trusted *proxyMatcher) netip.Addr {
	peer := parseHop(r.RemoteAddr)
	if !peer.IsValid() || !trusted.trusts(peer) {
		return peer
	}

	chain := forwardedChain(r.Header.Get("Forwarded"), true)
	if len(chain) == 0 {
		chain = forwardedChain(r.Header.Get("X-Forwarded-For"), false)
	}
	if len(chain) == 0 {
		return peer
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if !trusted.trusts(chain[i]) {
			return chain[i]
		}
	}
	return chain[0]
}

// forwardedChain extracts hop addresses from either an RFC 7239
// Forwarded header (for= parameters) or a plain X-Forwarded-For list.
func forwardedChain(header string, rfc7239 bool) []netip.Addr {
	if header == "" {
		return nil
	}
	var chain []netip.Addr
	for _, element := range strings.Split(header, ",") {
		if !rfc7239 {
			if addr := parseHop(element); addr.IsValid() {
				chain = append(chain, addr)
			}
			continue
		}
		for _, pair := range strings.Split(element, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "for") {
				continue
			}
			if addr := parseHop(value); addr.IsValid() {
				chain = append(chain, addr)
			}
		}
	}
	return chain
}

// parseHop accepts "ip", "ip:port", "[v6]" and "[v6]:port", optionally
// quoted. Obfuscated identifiers such as "unknown" yield the zero Addr.
func parseHop(value string) netip.Addr {
	value = strings.Trim(strings.TrimSpace(value), `"`)
	if value == "" || strings.EqualFold(value, "unknown") {
		return netip.Addr{}
	}
	if ap, err := netip.ParseAddrPort(value); err == nil {
		return normalize(ap.Addr())
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		value = host
	}
	addr, err := netip.ParseAddr(strings.Trim(value, "[]"))
	if err != nil {
		return netip.Addr{}
	}
	return normalize(addr)
}

func normalize(addr netip.Addr) netip.Addr {
	return addr.WithZone("").Unmap()
}

type proxyMatcher struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// newProxyMatcher returns nil when no usable entry is configured, which
// trusts nothing.
func newProxyMatcher(entries []string, logger *zap.Logger) *proxyMatcher {
	m := &proxyMatcher{addrs: make(map[netip.Addr]struct{})}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn("ignoring trusted proxy", zap.String("entry", entry), zap.Error(err))
				continue
			}
			m.prefixes = append(m.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			logger.Warn("ignoring trusted proxy", zap.String("entry", entry), zap.Error(err))
			continue
		}
		m.addrs[normalize(addr)] = struct{}{}
	}
	if len(m.addrs) == 0 && len(m.prefixes) == 0 {
		return nil
	}
	return m
}

func (m *proxyMatcher) trusts(addr netip.Addr) bool {
	if m == nil || !addr.IsValid() {
		return false
	}
	if _, ok := m.addrs[addr]; ok {
		return true
	}
	for _, prefix := range m.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
