package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gamely/gamely/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest(remoteAddr string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/games", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func TestNewClientIPResolver(t *testing.T) {
	t.Run("parses CIDR list", func(t *testing.T) {
		r, err := NewClientIPResolver(config.RateLimitConfig{
			TrustedProxies: []string{"10.0.0.0/8", " 192.168.0.0/16 "},
		})
		require.NoError(t, err)
		assert.Len(t, r.trusted, 2)
	})

	t.Run("rejects malformed CIDR", func(t *testing.T) {
		_, err := NewClientIPResolver(config.RateLimitConfig{
			TrustedProxies: []string{"not-a-cidr"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not-a-cidr")
	})

	t.Run("skips empty entries", func(t *testing.T) {
		r, err := NewClientIPResolver(config.RateLimitConfig{
			TrustedProxies: []string{"", "10.0.0.0/8"},
		})
		require.NoError(t, err)
		assert.Len(t, r.trusted, 1)
	})
}

func TestResolve_NoTrustedProxies(t *testing.T) {
	r, err := NewClientIPResolver(config.RateLimitConfig{})
	require.NoError(t, err)

	t.Run("honors X-Forwarded-For from any peer", func(t *testing.T) {
		req := newRequest("203.0.113.9:1234", map[string]string{
			"X-Forwarded-For": "198.51.100.7, 10.0.0.1",
		})
		assert.Equal(t, "198.51.100.7", r.Resolve(req))
	})

	t.Run("falls back to X-Real-IP", func(t *testing.T) {
		req := newRequest("203.0.113.9:1234", map[string]string{
			"X-Real-IP": "198.51.100.7",
		})
		assert.Equal(t, "198.51.100.7", r.Resolve(req))
	})

	t.Run("falls back to RemoteAddr", func(t *testing.T) {
		req := newRequest("203.0.113.9:1234", nil)
		assert.Equal(t, "203.0.113.9", r.Resolve(req))
	})

	t.Run("handles RemoteAddr without port", func(t *testing.T) {
		req := newRequest("203.0.113.9", nil)
		assert.Equal(t, "203.0.113.9", r.Resolve(req))
	})
}

func TestResolve_TrustedProxies(t *testing.T) {
	r, err := NewClientIPResolver(config.RateLimitConfig{
		TrustedProxies: []string{"10.0.0.0/8"},
	})
	require.NoError(t, err)

	t.Run("honors headers from trusted peer", func(t *testing.T) {
		req := newRequest("10.1.2.3:1234", map[string]string{
			"X-Forwarded-For": "198.51.100.7",
		})
		assert.Equal(t, "198.51.100.7", r.Resolve(req))
	})

	t.Run("ignores headers from untrusted peer", func(t *testing.T) {
		req := newRequest("203.0.113.9:1234", map[string]string{
			"X-Forwarded-For": "198.51.100.7",
			"X-Real-IP":       "198.51.100.8",
		})
		assert.Equal(t, "203.0.113.9", r.Resolve(req),
			"spoofed headers from an untrusted peer must not move the identifier")
	})
}

func TestResolve_TrustedIPDepth(t *testing.T) {
	t.Run("depth selects from the right of the chain", func(t *testing.T) {
		r, err := NewClientIPResolver(config.RateLimitConfig{
			TrustedProxies: []string{"10.0.0.0/8"},
			TrustedIPDepth: 2,
		})
		require.NoError(t, err)

		// client, CDN edge, LB — depth 2 picks the CDN-observed client.
		req := newRequest("10.1.2.3:1234", map[string]string{
			"X-Forwarded-For": "198.51.100.7, 203.0.113.50, 10.0.0.2",
		})
		assert.Equal(t, "203.0.113.50", r.Resolve(req))
	})

	t.Run("depth larger than the chain clamps to the leftmost entry", func(t *testing.T) {
		r, err := NewClientIPResolver(config.RateLimitConfig{
			TrustedIPDepth: 9,
		})
		require.NoError(t, err)

		req := newRequest("10.1.2.3:1234", map[string]string{
			"X-Forwarded-For": "198.51.100.7, 10.0.0.2",
		})
		assert.Equal(t, "198.51.100.7", r.Resolve(req))
	})
}
