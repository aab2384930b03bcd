package util

import (
	"net/http"
	"net/url"
)

// WithOriginCheck rejects state-changing requests whose Origin (or, failing
// that, Referer) is not the request's own host or one of allowedOrigins.
// Cookie-authenticated form posts depend on this.
func WithOriginCheck(allowedOrigins []string, next http.Handler) http.Handler {
	allowed := normalizeOrigins(allowedOrigins)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		source := r.Header.Get("Origin")
		if source == "" || source == "null" {
			source = originOf(r.Header.Get("Referer"))
		}
		if source == "" {
			LoggerFromContext(r.Context()).Warn("csrf_rejected", "reason", "missing_origin", "path", r.URL.Path)
			http.Error(w, "forbidden: missing origin", http.StatusForbidden)
			return
		}
		if !sameHost(source, r.Host) && !allowed[normalizeOrigin(source)] {
			LoggerFromContext(r.Context()).Warn("csrf_rejected", "reason", "origin_mismatch", "origin", source, "path", r.URL.Path)
			http.Error(w, "forbidden: invalid origin", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

func sameHost(origin, host string) bool {
	parsed, err := url.Parse(origin)
	if err != nil || host == "" {
		return false
	}
	return parsed.Host == host
}
