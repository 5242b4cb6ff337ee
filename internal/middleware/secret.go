// Package middleware provides HTTP middleware for the bot's HTTP surface.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// SharedSecret rejects requests whose header does not carry secret. An empty
// secret rejects every request, so an unconfigured deployment stays closed.
func SharedSecret(header, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				slog.Warn("Rejected request with bad shared secret", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
