package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gamely/gamely/internal/config"
)

// ClientIPResolver derives the rate-limit identifier for a request: the
// client's network address after trusted-proxy resolution. Proxy headers
// (X-Forwarded-For, X-Real-IP) are honored only when the direct peer is
// inside one of the trusted CIDR ranges; with no ranges configured, the
// headers are always trusted.
type ClientIPResolver struct {
	trusted []*net.IPNet
	depth   int
}

// NewClientIPResolver builds a resolver from the rate-limit configuration.
func NewClientIPResolver(cfg config.RateLimitConfig) (*ClientIPResolver, error) {
	var trusted []*net.IPNet
	for _, cidr := range cfg.TrustedProxies {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", cidr, err)
		}
		trusted = append(trusted, ipNet)
	}
	return &ClientIPResolver{trusted: trusted, depth: cfg.TrustedIPDepth}, nil
}

// Resolve returns the client identifier for the request.
func (r *ClientIPResolver) Resolve(req *http.Request) string {
	remoteIP := remoteAddrIP(req.RemoteAddr)

	if !r.trustsPeer(remoteIP) {
		return remoteIP
	}

	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := r.pickForwardedIP(xff); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(req.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	return remoteIP
}

// trustsPeer reports whether proxy headers from this peer may be honored.
func (r *ClientIPResolver) trustsPeer(remoteIP string) bool {
	if len(r.trusted) == 0 {
		return true
	}
	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return false
	}
	for _, n := range r.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// pickForwardedIP selects an entry from the X-Forwarded-For chain. Depth 0
// takes the leftmost (client-provided) entry; depth N takes the Nth entry
// from the right, which was appended by the nearest trusted proxies and
// cannot be forged by the client.
func (r *ClientIPResolver) pickForwardedIP(xff string) string {
	parts := strings.Split(xff, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	if r.depth <= 0 {
		return parts[0]
	}
	idx := len(parts) - r.depth
	if idx < 0 {
		idx = 0
	}
	return parts[idx]
}

// remoteAddrIP strips the port from a RemoteAddr, returning the bare IP.
func remoteAddrIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return ip
}
