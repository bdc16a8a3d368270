package mcp

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AuthMiddleware wraps an http.Handler and validates the caller's API
// key against the configured bcrypt hash. The key is read from the
// X-API-Key header or an Authorization bearer token. An empty hash
// passes all requests through (auth disabled).
func AuthMiddleware(keyHash string, next http.Handler) http.Handler {
	if keyHash == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			// Accept both "Bearer <key>" and a raw Authorization value.
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if key == "" {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)); err != nil {
			http.Error(w, "invalid credentials", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
