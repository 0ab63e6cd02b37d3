package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/refbot/moderator-backend/internal/accounting"
	"github.com/refbot/moderator-backend/internal/generation"
)

// GenerationHandler is the bot-fleet surface: child bots report job creation
// and progress here so the queue the reconciler consults stays accurate.
type GenerationHandler struct {
	Generations *generation.Service
	Log         *slog.Logger
}

// POST /fleet/v1/generations
func (h *GenerationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID   int64   `json:"user_id"`
		Cost     int64   `json:"cost"`
		Category *string `json:"category"`
		BotHash  *string `json:"bot_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.UserID == 0 || body.Cost <= 0 {
		http.Error(w, "user_id and positive cost required", http.StatusBadRequest)
		return
	}
	job, err := h.Generations.Enqueue(r.Context(), body.UserID, body.Cost, body.Category, body.BotHash)
	if err != nil {
		if errors.Is(err, accounting.ErrInsufficientFunds) {
			http.Error(w, "insufficient balance", http.StatusPaymentRequired)
			return
		}
		h.Log.Error("enqueue generation failed", "user_id", body.UserID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// POST /fleet/v1/generations/{id}/status
func (h *GenerationHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := fleetJobID(r.URL.Path)
	if err != nil {
		http.Error(w, "bad job id", http.StatusBadRequest)
		return
	}
	var body struct {
		Status    string  `json:"status"`
		MediaPath *string `json:"media_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch body.Status {
	case "running":
		err = h.Generations.Start(ctx, jobID)
	case "done":
		err = h.Generations.Complete(ctx, jobID, body.MediaPath)
	case "failed":
		err = h.Generations.Fail(ctx, jobID)
	case "cancelled":
		err = h.Generations.Cancel(ctx, jobID)
	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	if err != nil {
		if errors.Is(err, generation.ErrInvalidTransition) {
			http.Error(w, "invalid transition", http.StatusConflict)
			return
		}
		h.Log.Error("generation transition failed", "job_id", jobID, "status", body.Status, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": jobID, "status": body.Status})
}

func fleetJobID(path string) (int64, error) {
	rest := strings.TrimPrefix(path, "/fleet/v1/generations/")
	seg, _, _ := strings.Cut(rest, "/")
	return strconv.ParseInt(seg, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
