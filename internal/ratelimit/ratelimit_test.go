package ratelimit

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/init", nil)
	r.RemoteAddr = "203.0.113.9:51234"
	assert.Equal(t, "203.0.113.9", ClientIP(r))

	r.RemoteAddr = "[2001:db8::1]:51234"
	assert.Equal(t, "2001:db8::1", ClientIP(r))

	r.RemoteAddr = "no-port"
	assert.Equal(t, "no-port", ClientIP(r))

	r.RemoteAddr = ""
	assert.Equal(t, "unknown", ClientIP(r))

	// X-Forwarded-For is deliberately ignored.
	r.RemoteAddr = "203.0.113.9:51234"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, "203.0.113.9", ClientIP(r))
}
