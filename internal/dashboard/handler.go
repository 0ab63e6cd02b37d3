package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/refbot/moderator-backend/internal/auth"
	"github.com/refbot/moderator-backend/internal/payments"
	"github.com/refbot/moderator-backend/internal/reconcile"
	"github.com/refbot/moderator-backend/internal/repository"
)

type Handler struct {
	authSvc    auth.Service
	userR      *repository.UserRepo
	complaintR *repository.ComplaintRepo
	genR       *repository.GenerationRepo
	paymentR   *repository.PaymentRepo
	auditR     *repository.AuditRepo
	reconciler *reconcile.Service
	rechecks   *payments.Orchestrator
	log        *slog.Logger
}

func NewHandler(
	authSvc auth.Service,
	userR *repository.UserRepo,
	complaintR *repository.ComplaintRepo,
	genR *repository.GenerationRepo,
	paymentR *repository.PaymentRepo,
	auditR *repository.AuditRepo,
	reconciler *reconcile.Service,
	rechecks *payments.Orchestrator,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		authSvc:    authSvc,
		userR:      userR,
		complaintR: complaintR,
		genR:       genR,
		paymentR:   paymentR,
		auditR:     auditR,
		reconciler: reconciler,
		rechecks:   rechecks,
		log:        log,
	}
}

func (h *Handler) moderatorIDFromRequest(r *http.Request) (int64, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return 0, fmt.Errorf("missing authorization")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return 0, fmt.Errorf("bad authorization format")
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return 0, fmt.Errorf("empty token")
	}
	return h.authSvc.ValidateToken(r.Context(), token)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pathID extracts the numeric segment after prefix in paths like
// /api/v1/users/123/payments.
func pathID(path, prefix string) (int64, error) {
	rest := strings.TrimPrefix(path, prefix)
	seg, _, _ := strings.Cut(strings.TrimPrefix(rest, "/"), "/")
	return strconv.ParseInt(seg, 10, 64)
}

// POST /api/v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID   int64  `json:"user_id"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	token, err := h.authSvc.Login(r.Context(), body.UserID, body.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		h.log.Error("login failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

// GET /api/v1/complaints
func (h *Handler) ListComplaints(w http.ResponseWriter, r *http.Request) {
	if _, err := h.moderatorIDFromRequest(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	list, err := h.complaintR.ListPending(r.Context(), false, limit)
	if err != nil {
		h.log.Error("list complaints failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"complaints": list})
}

// GET /api/v1/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	if _, err := h.moderatorIDFromRequest(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID, err := pathID(r.URL.Path, "/api/v1/users")
	if err != nil {
		http.Error(w, "bad user id", http.StatusBadRequest)
		return
	}
	u, err := h.userR.GetByID(r.Context(), userID)
	if err != nil {
		h.log.Error("get user failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if u == nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	complaints, err := h.complaintR.ListByUser(r.Context(), userID, 20)
	if err != nil {
		h.log.Error("list user complaints failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	generations, err := h.genR.ListByUser(r.Context(), userID, 20)
	if err != nil {
		h.log.Error("list user generations failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        u,
		"complaints":  complaints,
		"generations": generations,
	})
}

// GET /api/v1/users/{id}/payments
func (h *Handler) ListUserPayments(w http.ResponseWriter, r *http.Request) {
	if _, err := h.moderatorIDFromRequest(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID, err := pathID(r.URL.Path, "/api/v1/users")
	if err != nil {
		http.Error(w, "bad user id", http.StatusBadRequest)
		return
	}
	list, err := h.paymentR.ListByUser(r.Context(), userID, 50)
	if err != nil {
		h.log.Error("list user payments failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": list})
}

// GET /api/v1/users/{id}/audit
func (h *Handler) ListUserAudit(w http.ResponseWriter, r *http.Request) {
	if _, err := h.moderatorIDFromRequest(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID, err := pathID(r.URL.Path, "/api/v1/users")
	if err != nil {
		http.Error(w, "bad user id", http.StatusBadRequest)
		return
	}
	list, err := h.auditR.ListByUser(r.Context(), userID, 100)
	if err != nil {
		h.log.Error("list balance audit failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": list})
}

// POST /api/v1/users/{id}/reconcile
func (h *Handler) ReconcileUser(w http.ResponseWriter, r *http.Request) {
	if _, err := h.moderatorIDFromRequest(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID, err := pathID(r.URL.Path, "/api/v1/users")
	if err != nil {
		http.Error(w, "bad user id", http.StatusBadRequest)
		return
	}
	res, err := h.reconciler.Reconcile(r.Context(), userID)
	if err != nil {
		h.log.Error("reconcile failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"released": res.Released,
		"blocking": res.Blocking,
	})
}

// POST /api/v1/payments/{id}/recheck
func (h *Handler) RecheckPayment(w http.ResponseWriter, r *http.Request) {
	if _, err := h.moderatorIDFromRequest(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	paymentID, err := pathID(r.URL.Path, "/api/v1/payments")
	if err != nil {
		http.Error(w, "bad payment id", http.StatusBadRequest)
		return
	}
	err = h.rechecks.Start(r.Context(), paymentID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "rechecking"})
	case errors.Is(err, payments.ErrInvalidTransition):
		http.Error(w, "payment is not disputed", http.StatusConflict)
	default:
		h.log.Error("start recheck failed", "payment_id", paymentID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
