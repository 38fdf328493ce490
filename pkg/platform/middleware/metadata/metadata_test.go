package metadata

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIPFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain takes first", map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2"}, "9.9.9.9:1", "1.1.1.1"},
		{"real ip", map[string]string{"X-Real-IP": " 3.3.3.3 "}, "9.9.9.9:1", "3.3.3.3"},
		{"remote ipv4", nil, "4.4.4.4:5555", "4.4.4.4"},
		{"remote ipv6", nil, "[::1]:5555", "::1"},
		{"garbage forwarded falls back to remote", map[string]string{"X-Forwarded-For": "not-an-ip"}, "5.5.5.5:80", "5.5.5.5"},
		{"remote without port", nil, "6.6.6.6", "6.6.6.6"},
		{"unresolvable", nil, "pipe", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIPFromRequest(r))
		})
	}
}
