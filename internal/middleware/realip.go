package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// RealIPMiddleware resolves the client IP once at the edge and stores it in
// X-Real-IP for the logging context and the handshake limiter. Forwarding
// headers are honoured only when the direct peer is a trusted proxy;
// otherwise any client-supplied X-Real-IP is overwritten.
type RealIPMiddleware struct {
	trusted []netip.Prefix
}

// NewRealIPMiddleware creates a new RealIPMiddleware with the given trusted proxies.
// trustedProxies can be IP addresses (e.g., "192.168.1.1") or CIDRs (e.g., "10.0.0.0/8").
// Entries that parse as neither are ignored.
func NewRealIPMiddleware(trustedProxies []string) *RealIPMiddleware {
	m := &RealIPMiddleware{}

	for _, proxy := range trustedProxies {
		proxy = strings.TrimSpace(proxy)
		if proxy == "" {
			continue
		}
		if p, err := netip.ParsePrefix(proxy); err == nil {
			m.trusted = append(m.trusted, p.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(proxy); err == nil {
			addr = addr.Unmap()
			m.trusted = append(m.trusted, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}

	return m
}

// Handler returns the middleware handler
func (m *RealIPMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if realIP := m.extractRealIP(r); realIP != "" {
			r.Header.Set("X-Real-IP", realIP)
		} else {
			r.Header.Del("X-Real-IP")
		}
		next.ServeHTTP(w, r)
	})
}

// extractRealIP returns the client IP. From a trusted proxy it prefers
// CF-Connecting-IP, then the proxy's X-Real-IP, then the first X-Forwarded-For
// hop; otherwise it returns the direct peer address.
func (m *RealIPMiddleware) extractRealIP(r *http.Request) string {
	remoteIP := parseRemoteAddr(r.RemoteAddr)

	if !m.isTrustedProxy(remoteIP) {
		return remoteIP
	}

	for _, header := range []string{"CF-Connecting-IP", "X-Real-IP"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	return remoteIP
}

func (m *RealIPMiddleware) isTrustedProxy(ipStr string) bool {
	if len(m.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range m.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parseRemoteAddr extracts just the IP from RemoteAddr (which may include port)
func parseRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil {
		return host
	}
	return remoteAddr
}
