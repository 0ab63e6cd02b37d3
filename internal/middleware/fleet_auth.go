package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// FleetAuth guards the bot-fleet API with a static bearer secret. The child
// bots are trusted infrastructure; this only keeps the internal surface off
// the open internet. An empty secret disables the routes entirely rather than
// leaving them open.
func FleetAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, `{"error":"fleet api disabled"}`, http.StatusForbidden)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
