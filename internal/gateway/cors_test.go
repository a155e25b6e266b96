package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/helpline/internal/config"
)

func corsHandler(cfg config.CORSConfig) http.Handler {
	return NewCORSMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCORSDisabledPassThrough(t *testing.T) {
	h := corsHandler(config.CORSConfig{})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/sessions", nil)
	r.Header.Set("Origin", "https://anywhere.example")
	h.ServeHTTP(rec, r)

	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disabled CORS should not set headers")
	}
}

func TestCORSAllowedOrigin(t *testing.T) {
	h := corsHandler(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://ok.example"},
	})

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/sessions", nil)
	r.Header.Set("Origin", "https://ok.example")
	h.ServeHTTP(rec, r)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://ok.example" {
		t.Fatal("allowed origin missing from response")
	}

	rec = httptest.NewRecorder()
	r = httptest.NewRequest("GET", "/api/sessions", nil)
	r.Header.Set("Origin", "https://bad.example")
	h.ServeHTTP(rec, r)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unlisted origin should get no CORS headers")
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	h := corsHandler(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	r.Header.Set("Origin", "https://spa.example")
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight should return 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://spa.example" {
		t.Fatal("wildcard config should echo the origin")
	}
}
