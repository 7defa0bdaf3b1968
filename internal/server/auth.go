package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/howard-nolan/llmrouter/internal/apperr"
)

// publicPaths bypass auth even when it's enabled.
var publicPaths = map[string]bool{
	"/health": true,
}

// requireAuth enforces "Authorization: Bearer <master_key>" on every
// request except publicPaths, using a constant-time compare so the
// check doesn't leak timing information about the key. A missing,
// malformed, or mismatched header is a 401.
func requireAuth(masterKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			const prefix = "Bearer "
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, prefix) {
				writeAuthError(w)
				return
			}
			token := strings.TrimPrefix(header, prefix)
			if subtle.ConstantTimeCompare([]byte(token), []byte(masterKey)) != 1 {
				writeAuthError(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(apperr.ToBody(http.StatusUnauthorized, "invalid or missing bearer token"))
}
