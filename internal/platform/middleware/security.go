package middleware

import (
	"net/http"

	"github.com/linkflow-ai/migrator/internal/platform/response"
)

// SecurityHeaders marks every response as non-cacheable JSON that must not be
// sniffed or framed. Migration status is live data and must never be served stale.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=31536000")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimit rejects bodies over maxBytes with a 413 envelope
func RequestSizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	tooLarge := response.NewError(http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				response.Error(w, tooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
