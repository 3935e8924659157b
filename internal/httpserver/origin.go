package httpserver

import (
	"net/http"
	"strings"

	"github.com/ascapdx/callcore/internal/config"
)

// OriginAllowed applies the relay's Origin policy to r. Requests without an
// Origin header are not from a browser and are allowed. With no configured
// allow-list only same-host origins pass.
func (s *Server) OriginAllowed(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return true
	}
	origin, ok := config.NormalizeOrigin(header)
	if !ok {
		return false
	}
	return originAllowed(origin, r.Host, s.cfg.AllowedOrigins)
}

func originAllowed(origin, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}

	// Schemes are not compared: behind a TLS-terminating proxy the request
	// arrives as plain HTTP while the page origin is https.
	scheme, host, ok := strings.Cut(origin, "://")
	if !ok {
		return false
	}
	requestHost = strings.ToLower(strings.TrimSpace(requestHost))
	return requestHost != "" && stripDefaultPort(host, scheme) == stripDefaultPort(requestHost, scheme)
}

func stripDefaultPort(host, scheme string) string {
	switch scheme {
	case "http":
		return strings.TrimSuffix(host, ":80")
	case "https":
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.OriginAllowed(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		origin, ok := config.NormalizeOrigin(r.Header.Get("Origin"))
		if !ok {
			next(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if h := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); h != "" {
				w.Header().Set("Access-Control-Allow-Headers", h)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
