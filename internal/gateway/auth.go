package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/helpline/internal/audit"
)

// authorize checks the bearer token on protected endpoints. An empty
// configured token leaves the gateway open for local deployments. Denials
// are audited with the request path as the surface.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	candidate := ExtractAPIKey(r)
	if candidate == "" {
		audit.Record("deny", "gateway"+r.URL.Path, "missing_token", r.RemoteAddr)
		return false
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.AuthToken)) != 1 {
		audit.Record("deny", "gateway"+r.URL.Path, "bad_token", r.RemoteAddr)
		return false
	}
	return true
}

// ExtractAPIKey extracts a credential from request headers or query params.
// It checks, in order: Authorization: Bearer <token>, X-API-Key header,
// api_key query param. The query param matters for WebSocket and SSE
// clients that cannot set headers.
func ExtractAPIKey(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
