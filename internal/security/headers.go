package security

import (
	"net/http"
	"strconv"
	"strings"
)

// Headers configures the security headers attached to API responses.
type Headers struct {
	Enable                bool
	EnableHSTS            bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	// EmbeddablePrefixes lists path prefixes served to third-party mail
	// clients. They get a cross-origin resource policy instead of the
	// API's restrictive one.
	EmbeddablePrefixes []string
}

// Middleware attaches standard security headers to each response.
func (h Headers) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.Enable {
			next.ServeHTTP(w, r)
			return
		}
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "no-referrer")
		if h.embeddable(r.URL.Path) {
			headers.Set("Cross-Origin-Resource-Policy", "cross-origin")
		} else {
			headers.Set("Cross-Origin-Resource-Policy", "same-origin")
			headers.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		}
		if h.EnableHSTS && r.TLS != nil {
			maxAge := h.HSTSMaxAge
			if maxAge <= 0 {
				maxAge = 31536000
			}
			value := "max-age=" + strconv.Itoa(maxAge)
			if h.HSTSIncludeSubdomains {
				value += "; includeSubDomains"
			}
			headers.Set("Strict-Transport-Security", value)
		}
		next.ServeHTTP(w, r)
	})
}

func (h Headers) embeddable(path string) bool {
	for _, prefix := range h.EmbeddablePrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
