package api

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// AuthConfig holds the credentials accepted by the API middleware.
type AuthConfig struct {
	Users   map[string]string // username -> password
	APIKeys map[string]bool   // valid API key tokens
}

// requireAuth wraps a handler with Basic Auth / Bearer / X-API-Key checks.
// /health and /metrics stay open for probes and scrapers.
func requireAuth(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if cfg.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="tethrx API"`)
		writeJSON(w, http.StatusUnauthorized, Response{
			Success: false,
			Error:   "authentication required",
		})
	})
}

func (cfg AuthConfig) authorized(r *http.Request) bool {
	if key := r.Header.Get("X-API-Key"); key != "" && cfg.APIKeys[key] {
		return true
	}

	auth := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(auth, "Bearer "):
		return cfg.APIKeys[strings.TrimPrefix(auth, "Bearer ")]
	case strings.HasPrefix(auth, "Basic "):
		payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
		if err != nil {
			return false
		}
		user, pass, ok := strings.Cut(string(payload), ":")
		if !ok {
			return false
		}
		expected, exists := cfg.Users[user]
		return exists && subtle.ConstantTimeCompare([]byte(pass), []byte(expected)) == 1
	}
	return false
}
