package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.RemoteAddr = "10.0.0.1:54321"

	assert.Equal(t, "203.0.113.7", clientIP(req))
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.2:12345"

	assert.Equal(t, "198.51.100.2", clientIP(req))
}

func TestIPLimiterBlocksAfterBurst(t *testing.T) {
	l := &ipLimiter{entries: make(map[string]*ipLimiterEntry), rps: 1, burst: 2, ttl: 0}

	assert.True(t, l.allow("1.2.3.4"))
	assert.True(t, l.allow("1.2.3.4"))
	assert.False(t, l.allow("1.2.3.4"))
}
