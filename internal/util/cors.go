package util

import (
	"net/http"
	"strings"
)

// WithCORS answers preflight requests and adds CORS headers for the JSON API.
// An empty origin list allows any origin; bearer tokens, not cookies, carry
// API credentials so no Allow-Credentials header is sent.
func WithCORS(allowedOrigins []string, next http.Handler) http.Handler {
	allowed := normalizeOrigins(allowedOrigins)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(allowed) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[normalizeOrigin(origin)]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-Id")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func normalizeOrigins(origins []string) map[string]bool {
	out := make(map[string]bool, len(origins))
	for _, origin := range origins {
		origin = normalizeOrigin(origin)
		if origin != "" {
			out[origin] = true
		}
	}
	return out
}

func normalizeOrigin(origin string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
}
