package router

import (
	"net/http"
	"strings"

	"github.com/refbot/moderator-backend/internal/dashboard"
	"github.com/refbot/moderator-backend/internal/handlers"
	"github.com/refbot/moderator-backend/internal/middleware"
)

// New returns the root http.Handler: the moderator webhook endpoint plus the
// dashboard API under /api/v1. The webhook route is guarded by the shared
// secret middleware; dashboard routes authorize per-request via bearer token.
func New(webhook *handlers.WebhookHandler, gen *handlers.GenerationHandler, dash *dashboard.Handler, webhookSecret, fleetSecret string) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/moderator", middleware.WebhookSecret(webhookSecret)(methodPOST(webhook.ServeHTTP)))

	fleetAuth := middleware.FleetAuth(fleetSecret)
	mux.Handle("/fleet/v1/generations", fleetAuth(methodPOST(gen.Create)))
	mux.Handle("/fleet/v1/generations/", fleetAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/status") {
			gen.UpdateStatus(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})))

	base := "/api/v1"
	mux.HandleFunc(base+"/auth/login", methodPOST(dash.Login))
	mux.HandleFunc(base+"/complaints", methodGET(dash.ListComplaints))

	mux.HandleFunc(base+"/users/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/payments"):
			dash.ListUserPayments(w, r)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/audit"):
			dash.ListUserAudit(w, r)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/reconcile"):
			dash.ReconcileUser(w, r)
		case r.Method == http.MethodGet:
			dash.GetUser(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc(base+"/payments/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/recheck") {
			dash.RecheckPayment(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
