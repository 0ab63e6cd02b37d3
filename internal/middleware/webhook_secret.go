package middleware

import (
	"crypto/subtle"
	"net/http"
)

// secretHeader is the header the chat platform echoes back on every webhook
// delivery when a secret token was registered with the webhook.
const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookSecret rejects webhook deliveries that do not carry the shared
// secret. With an empty secret the check is disabled (local development).
func WebhookSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" {
				got := r.Header.Get(secretHeader)
				if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
					http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
