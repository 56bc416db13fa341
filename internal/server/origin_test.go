package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNormalizeOrigin covers scheme/host normalization and rejection of
// malformed origins.
func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   string
		ok     bool
	}{
		{name: "plain origin", origin: "http://localhost:8080", want: "http://localhost:8080", ok: true},
		{name: "uppercase normalized", origin: "HTTPS://Chat.Example.COM", want: "https://chat.example.com", ok: true},
		{name: "missing scheme", origin: "chat.example.com", ok: false},
		{name: "empty", origin: "", ok: false},
		{name: "scheme only", origin: "https://", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalizeOrigin(tt.origin)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

// TestIsOriginAllowed verifies the allow-list against the active config,
// including the wildcard and the no-header case.
func TestIsOriginAllowed(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })

	requestWithOrigin := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	SetConfig(&Config{AllowedOrigins: []string{"https://chat.example.com"}})

	assert.True(t, isOriginAllowed(requestWithOrigin("https://chat.example.com")))
	assert.True(t, isOriginAllowed(requestWithOrigin("HTTPS://CHAT.EXAMPLE.COM")))
	assert.False(t, isOriginAllowed(requestWithOrigin("https://evil.example.com")))
	assert.False(t, isOriginAllowed(requestWithOrigin("")))

	SetConfig(&Config{AllowedOrigins: []string{"*"}})
	assert.True(t, isOriginAllowed(requestWithOrigin("https://anything.example.com")))
	assert.False(t, isOriginAllowed(requestWithOrigin("")), "wildcard still requires an Origin header")
}
