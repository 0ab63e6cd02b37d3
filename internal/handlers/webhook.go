package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/refbot/moderator-backend/internal/accounting"
	"github.com/refbot/moderator-backend/internal/auth"
	"github.com/refbot/moderator-backend/internal/bots"
	"github.com/refbot/moderator-backend/internal/models"
	"github.com/refbot/moderator-backend/internal/moderation"
	"github.com/refbot/moderator-backend/internal/payments"
	"github.com/refbot/moderator-backend/internal/reconcile"
	"github.com/refbot/moderator-backend/internal/repository"
	"github.com/refbot/moderator-backend/internal/transport"
)

// WebhookHandler turns inbound chat updates into core operations. It is the
// thin adapter layer: parsing, authorization gating, rendering. All state
// transitions and balance effects happen in the services it calls.
type WebhookHandler struct {
	Moderation  *moderation.Service
	Reconciler  *reconcile.Service
	Payments    *payments.Orchestrator
	Auth        auth.Service
	Bots        *bots.Service
	Users       *repository.UserRepo
	Complaints  *repository.ComplaintRepo
	Generations *repository.GenerationRepo
	PaymentRepo *repository.PaymentRepo
	Client      *transport.Client
	// DefaultCost is the credit amount applied for a complaint with no
	// linked generation to read the real cost from.
	DefaultCost int64
	Log         *slog.Logger
}

// ServeHTTP handles one webhook delivery. The platform retries non-200
// responses, so handler-level failures are reported in the body, not the
// status code; idempotency keys make redelivery safe.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var upd transport.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		h.Log.Error("webhook decode failed", "error", err)
		writeOK(w, false)
		return
	}

	ctx := r.Context()
	switch {
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil && upd.Message.From != nil:
		h.handleMessage(ctx, upd.Message)
	}
	writeOK(w, true)
}

func writeOK(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": ok})
}

func (h *WebhookHandler) handleMessage(ctx context.Context, msg *transport.Message) {
	moderatorID := msg.From.ID
	chatID := msg.Chat.ID

	isMod, err := h.Auth.IsModerator(ctx, moderatorID)
	if err != nil {
		h.Log.Error("authorization check failed", "user_id", moderatorID, "error", err)
		return
	}
	if !isMod {
		return
	}

	text := strings.TrimSpace(msg.Text)
	switch text {
	case "/start":
		h.Client.Notify(ctx, chatID, "👮 Moderator console ready.")
		_ = h.Client.SendMessage(ctx, chatID, "Pick an action:", transport.MainKeyboard())
	case "📋 Complaints":
		h.sendPendingComplaints(ctx, chatID)
	case "👤 Find user":
		h.Client.Notify(ctx, chatID, "Send a user id or @username.")
	default:
		h.lookupUser(ctx, chatID, text)
	}
}

func (h *WebhookHandler) handleCallback(ctx context.Context, cb *transport.CallbackQuery) {
	moderatorID := cb.From.ID
	chatID := moderatorID
	if cb.Message != nil {
		chatID = cb.Message.Chat.ID
	}

	action, id, ok := parseCallback(cb.Data)
	if !ok {
		_ = h.Client.AnswerCallback(ctx, cb.ID, "")
		return
	}

	var toast string
	switch action {
	case "complaint_claim":
		toast = h.claimComplaint(ctx, moderatorID, chatID, id)
	case "complaint_accept":
		toast = h.decideComplaint(ctx, moderatorID, chatID, id, true)
	case "complaint_reject":
		toast = h.decideComplaint(ctx, moderatorID, chatID, id, false)
	case "user_complaints":
		h.sendUserComplaints(ctx, chatID, id)
	case "user_generations":
		h.sendUserGenerations(ctx, chatID, id)
	case "user_payments":
		h.sendUserPayments(ctx, chatID, id)
	case "user_release_reserved":
		toast = h.releaseReserved(ctx, chatID, id)
	case "user_resend":
		h.sendResendList(ctx, chatID, id)
	case "resend_generation":
		toast = h.resendGeneration(ctx, chatID, cb.Data)
	case "payment_recheck":
		toast = h.startRecheck(ctx, id)
	}
	if err := h.Client.AnswerCallback(ctx, cb.ID, toast); err != nil {
		h.Log.Warn("answer callback failed", "error", err)
	}
}

// parseCallback splits prefix:id callback data.
func parseCallback(data string) (action string, id int64, ok bool) {
	action, rest, found := strings.Cut(data, ":")
	if !found {
		return "", 0, false
	}
	// Some button payloads carry a trailing field (e.g. a status); the id is
	// always the first segment after the prefix.
	idStr, _, _ := strings.Cut(rest, ":")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return action, id, true
}

func (h *WebhookHandler) claimComplaint(ctx context.Context, moderatorID, chatID, complaintID int64) string {
	c, err := h.Moderation.Claim(ctx, moderatorID, complaintID)
	if err != nil {
		return decisionErrorToast(err)
	}
	h.Client.Notify(ctx, chatID, fmt.Sprintf("👁 Complaint #%d is yours. Accept or reject when ready.", c.ID))
	return "Claimed"
}

func (h *WebhookHandler) decideComplaint(ctx context.Context, moderatorID, chatID, complaintID int64, accept bool) string {
	// Buttons collapse claim+decide into one tap; the core still enforces
	// the claim, so a complaint held by someone else stays untouchable.
	if _, err := h.Moderation.Claim(ctx, moderatorID, complaintID); err != nil {
		if !errors.Is(err, moderation.ErrInvalidTransition) {
			return decisionErrorToast(err)
		}
	}

	var dec *moderation.Decision
	var err error
	if accept {
		amount, aerr := h.resolutionAmount(ctx, complaintID)
		if aerr != nil {
			h.Log.Error("resolve accept amount failed", "complaint_id", complaintID, "error", aerr)
			return "Internal error"
		}
		dec, err = h.Moderation.Accept(ctx, moderatorID, complaintID, amount)
	} else {
		dec, err = h.Moderation.Reject(ctx, moderatorID, complaintID, "rejected after review")
	}
	if err != nil {
		return decisionErrorToast(err)
	}

	h.notifyDecision(ctx, chatID, dec, accept)

	if err := h.Moderation.Close(ctx, complaintID); err != nil {
		h.Log.Error("close complaint failed", "complaint_id", complaintID, "error", err)
	}
	if accept {
		return "Complaint accepted"
	}
	return "Complaint rejected"
}

// resolutionAmount is the credit an accepted complaint returns to the user:
// the linked generation's cost when one exists, the configured default
// otherwise.
func (h *WebhookHandler) resolutionAmount(ctx context.Context, complaintID int64) (int64, error) {
	c, err := h.Complaints.GetByID(ctx, complaintID)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, fmt.Errorf("complaint %d not found", complaintID)
	}
	if c.GenerationID != nil {
		job, err := h.Generations.GetByID(ctx, *c.GenerationID)
		if err != nil {
			return 0, err
		}
		if job != nil && job.ReservationAmount > 0 {
			return job.ReservationAmount, nil
		}
	}
	return h.DefaultCost, nil
}

func (h *WebhookHandler) notifyDecision(ctx context.Context, chatID int64, dec *moderation.Decision, accepted bool) {
	c := dec.Complaint
	if dec.Replayed {
		h.Client.Notify(ctx, chatID, fmt.Sprintf("Complaint #%d was already resolved.", c.ID))
		return
	}

	if accepted {
		h.Client.Notify(ctx, chatID, fmt.Sprintf(
			"✅ Complaint #%d accepted. Credited %d; user balance is now %d.",
			c.ID, valueOrZero(c.ResolutionAmount), dec.Balances.Available))
	} else {
		text := fmt.Sprintf("❌ Complaint #%d rejected.", c.ID)
		if dec.Released > 0 {
			text += fmt.Sprintf(" Released %d reserved credits.", dec.Released)
		}
		if len(dec.Blocking) > 0 {
			text += fmt.Sprintf(" %d generation(s) still hold reserve.", len(dec.Blocking))
		}
		h.Client.Notify(ctx, chatID, text)
	}

	h.notifyComplaintUser(ctx, c, accepted)
}

// notifyComplaintUser routes the verdict to the user through the bot the
// complaint came from, falling back to any active bot.
func (h *WebhookHandler) notifyComplaintUser(ctx context.Context, c *models.Complaint, accepted bool) {
	bot := h.resolveBot(ctx, c.BotHash)
	if bot == nil {
		return
	}

	var text string
	if accepted {
		text = fmt.Sprintf(
			"✅ <b>Your complaint was reviewed and accepted</b>\n\nRefunded %d credits.\nComplaint id: #%d",
			valueOrZero(c.ResolutionAmount), c.ID)
	} else {
		text = fmt.Sprintf(
			"❌ <b>Your complaint was rejected</b>\n\nComplaint id: #%d", c.ID)
	}
	transport.NewClient(bot.Token, h.Log).Notify(ctx, c.UserID, text)
}

// resolveBot finds the bot to reach a user through, preferring the one whose
// token hash is on the record. Each failure path logs its own cause.
func (h *WebhookHandler) resolveBot(ctx context.Context, hash *string) *models.BotRecord {
	if hash != nil {
		bot, err := h.Bots.ByTokenHash(ctx, *hash)
		if err != nil {
			h.Log.Warn("bot lookup by hash failed", "bot_hash", *hash, "error", err)
		} else if bot != nil {
			return bot
		}
	}
	active, err := h.Bots.ListActive(ctx)
	if err != nil {
		h.Log.Error("list active bots failed", "error", err)
		return nil
	}
	if len(active) == 0 {
		h.Log.Warn("no active bot available")
		return nil
	}
	return active[0]
}

func (h *WebhookHandler) sendPendingComplaints(ctx context.Context, chatID int64) {
	list, err := h.Complaints.ListPending(ctx, false, 5)
	if err != nil {
		h.Log.Error("list pending complaints failed", "error", err)
		h.Client.Notify(ctx, chatID, "Failed to load complaints.")
		return
	}
	if len(list) == 0 {
		h.Client.Notify(ctx, chatID, "📋 No pending complaints.")
		return
	}
	var dispatched []int64
	for _, c := range list {
		text, kerr := h.renderComplaint(ctx, c)
		if kerr != nil {
			h.Log.Error("render complaint failed", "complaint_id", c.ID, "error", kerr)
			continue
		}
		if err := h.sendComplaintCard(ctx, chatID, c, text, transport.ComplaintModerationKeyboard(c.ID)); err != nil {
			h.Log.Warn("send complaint failed", "complaint_id", c.ID, "error", err)
			continue
		}
		dispatched = append(dispatched, c.ID)
	}
	if err := h.Complaints.MarkDispatched(ctx, dispatched); err != nil {
		h.Log.Error("mark dispatched failed", "error", err)
	}
}

func (h *WebhookHandler) sendUserComplaints(ctx context.Context, chatID, userID int64) {
	list, err := h.Complaints.ListByUser(ctx, userID, 5)
	if err != nil {
		h.Log.Error("list user complaints failed", "user_id", userID, "error", err)
		return
	}
	if len(list) == 0 {
		h.Client.Notify(ctx, chatID, "No complaints for this user.")
		return
	}
	for _, c := range list {
		text, kerr := h.renderComplaint(ctx, c)
		if kerr != nil {
			continue
		}
		if c.Resolved() {
			if kb := transport.ComplaintStatusKeyboard(c.ID, c.Status); kb != nil {
				_ = h.Client.SendMessage(ctx, chatID, text, kb)
			} else {
				h.Client.Notify(ctx, chatID, text)
			}
			continue
		}
		_ = h.sendComplaintCard(ctx, chatID, c, text, transport.ComplaintModerationKeyboard(c.ID))
	}
}

// sendComplaintCard delivers one complaint to a moderator: the disputed
// result video with the card as caption when the file is still reachable,
// the plain text card otherwise. A stored source photo goes out first; its
// delivery is best-effort.
func (h *WebhookHandler) sendComplaintCard(ctx context.Context, chatID int64, c *models.Complaint, text string, kb *transport.InlineKeyboardMarkup) error {
	if c.SourcePath != nil {
		if source, local, ok := transport.ResolveMediaSource(*c.SourcePath); ok {
			if err := h.Client.SendPhoto(ctx, chatID, source, local, "🖼 <b>Source photo</b>"); err != nil {
				h.Log.Warn("send source photo failed", "complaint_id", c.ID, "error", err)
			}
		}
	}

	var missing string
	if c.FilePath != nil {
		source, local, ok := transport.ResolveMediaSource(*c.FilePath)
		switch {
		case ok:
			err := h.Client.SendVideo(ctx, chatID, source, local, text, kb)
			if err == nil {
				return nil
			}
			h.Log.Warn("send complaint video failed", "complaint_id", c.ID, "error", err)
		case source != "":
			missing = source
		}
	}

	if err := h.Client.SendMessage(ctx, chatID, text, kb); err != nil {
		return err
	}
	if missing != "" {
		h.Client.Notify(ctx, chatID, fmt.Sprintf("⚠️ <b>Video not found:</b> %s", missing))
	}
	return nil
}

func (h *WebhookHandler) sendUserGenerations(ctx context.Context, chatID, userID int64) {
	list, err := h.Generations.ListByUser(ctx, userID, 5)
	if err != nil {
		h.Log.Error("list user generations failed", "user_id", userID, "error", err)
		return
	}
	if len(list) == 0 {
		h.Client.Notify(ctx, chatID, "No generations for this user.")
		return
	}
	for _, job := range list {
		h.Client.Notify(ctx, chatID, renderJob(job))
	}
}

func (h *WebhookHandler) sendUserPayments(ctx context.Context, chatID, userID int64) {
	list, err := h.PaymentRepo.ListByUser(ctx, userID, 10)
	if err != nil {
		h.Log.Error("list user payments failed", "user_id", userID, "error", err)
		return
	}
	if len(list) == 0 {
		h.Client.Notify(ctx, chatID, "No payments for this user.")
		return
	}
	for _, p := range list {
		if p.Status == models.PaymentStatusDisputed {
			_ = h.Client.SendMessage(ctx, chatID, renderPayment(p), transport.PaymentRecheckKeyboard(p.ID))
		} else {
			h.Client.Notify(ctx, chatID, renderPayment(p))
		}
	}
}

// sendResendList offers the user's finished generations for redelivery, one
// message per result with its own send button.
func (h *WebhookHandler) sendResendList(ctx context.Context, chatID, userID int64) {
	list, err := h.Generations.ListByUser(ctx, userID, 5)
	if err != nil {
		h.Log.Error("list user generations failed", "user_id", userID, "error", err)
		return
	}
	sent := 0
	for _, job := range list {
		if job.Status != models.JobStatusDone {
			continue
		}
		_ = h.Client.SendMessage(ctx, chatID, renderResend(job), transport.ResendKeyboard(userID, job.ID))
		sent++
	}
	if sent == 0 {
		h.Client.Notify(ctx, chatID, "🔄 No results available for resending.")
	}
}

// resendGeneration delivers a finished generation's video back to its user,
// through the bot the job ran on.
func (h *WebhookHandler) resendGeneration(ctx context.Context, chatID int64, data string) string {
	userID, generationID, ok := parseResendCallback(data)
	if !ok {
		return "Bad request"
	}
	job, err := h.Generations.GetByID(ctx, generationID)
	if err != nil {
		h.Log.Error("load generation failed", "generation_id", generationID, "error", err)
		return "Internal error"
	}
	if job == nil {
		return "Generation not found"
	}
	if job.UserID != userID {
		return "User mismatch"
	}
	if job.MediaPath == nil {
		h.Client.Notify(ctx, chatID, "⚠️ <b>Generation file is not stored.</b>")
		return "File not found"
	}
	source, local, ok := transport.ResolveMediaSource(*job.MediaPath)
	if !ok {
		h.Client.Notify(ctx, chatID, fmt.Sprintf("⚠️ <b>Generation file not found:</b> %s", source))
		return "File not found"
	}

	bot := h.resolveBot(ctx, job.BotHash)
	if bot == nil {
		return "No bot available"
	}
	caption := fmt.Sprintf("🎬 <b>Your generation result #%d</b>", job.ID)
	if err := transport.NewClient(bot.Token, h.Log).SendVideo(ctx, job.UserID, source, local, caption, nil); err != nil {
		h.Log.Error("resend generation failed", "generation_id", job.ID, "user_id", job.UserID, "error", err)
		return "Delivery failed"
	}
	return "Result sent"
}

// parseResendCallback splits resend_generation:userID:generationID data.
func parseResendCallback(data string) (userID, generationID int64, ok bool) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 {
		return 0, 0, false
	}
	userID, uerr := strconv.ParseInt(parts[1], 10, 64)
	generationID, gerr := strconv.ParseInt(parts[2], 10, 64)
	if uerr != nil || gerr != nil {
		return 0, 0, false
	}
	return userID, generationID, true
}

func (h *WebhookHandler) releaseReserved(ctx context.Context, chatID, userID int64) string {
	res, err := h.Reconciler.Reconcile(ctx, userID)
	if err != nil {
		h.Log.Error("reconcile failed", "user_id", userID, "error", err)
		return "Reconcile failed"
	}
	switch {
	case len(res.Blocking) > 0:
		h.Client.Notify(ctx, chatID, fmt.Sprintf(
			"⚠️ %d generation(s) still running; released %d, the rest stays reserved.", len(res.Blocking), res.Released))
		return "Holds still active"
	case res.Released > 0:
		h.Client.Notify(ctx, chatID, fmt.Sprintf("🧹 Released %d reserved credits.", res.Released))
		return "Reserve released"
	default:
		return "Nothing reserved"
	}
}

func (h *WebhookHandler) startRecheck(ctx context.Context, paymentID int64) string {
	err := h.Payments.Start(ctx, paymentID)
	switch {
	case err == nil:
		return "Recheck scheduled"
	case errors.Is(err, payments.ErrInvalidTransition):
		return "Payment is not disputed"
	default:
		h.Log.Error("start recheck failed", "payment_id", paymentID, "error", err)
		return "Recheck failed"
	}
}

func (h *WebhookHandler) lookupUser(ctx context.Context, chatID int64, query string) {
	var u *models.User
	var err error
	if id, perr := strconv.ParseInt(query, 10, 64); perr == nil {
		u, err = h.Users.GetByID(ctx, id)
	} else {
		u, err = h.Users.GetByUsername(ctx, query)
	}
	if err != nil {
		h.Log.Error("user lookup failed", "query", query, "error", err)
		return
	}
	if u == nil {
		h.Client.Notify(ctx, chatID, "User not found.")
		return
	}
	_ = h.Client.SendMessage(ctx, chatID, renderUser(u), transport.UserActionsKeyboard(u.ID))
}

func (h *WebhookHandler) renderComplaint(ctx context.Context, c *models.Complaint) (string, error) {
	u, err := h.Users.GetByID(ctx, c.UserID)
	if err != nil {
		return "", err
	}
	label := "user_" + strconv.FormatInt(c.UserID, 10)
	if u != nil {
		label = u.UsernameDisplay()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📋 <b>Complaint #%d</b> [%s]\n\n", c.ID, c.Status)
	fmt.Fprintf(&b, "👤 <b>User:</b> %s (ID: %d)\n", label, c.UserID)
	fmt.Fprintf(&b, "📁 <b>Category:</b> %s\n", strOrDash(c.Category))
	fmt.Fprintf(&b, "🤖 <b>Bot:</b> %s\n", strOrDash(c.BotHash))
	fmt.Fprintf(&b, "🕒 <b>Created:</b> %s\n", c.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "🗂 <b>File:</b> %s\n", fileNameOrDash(c.FilePath))
	if c.GenerationID != nil {
		fmt.Fprintf(&b, "🎬 <b>Generation:</b> #%d\n", *c.GenerationID)
	}
	return b.String(), nil
}

func renderUser(u *models.User) string {
	var b strings.Builder
	b.WriteString("👤 <b>User info</b>\n\n")
	fmt.Fprintf(&b, "🆔 <b>ID:</b> %d\n", u.ID)
	fmt.Fprintf(&b, "🔗 <b>Username:</b> %s\n", u.UsernameDisplay())
	fmt.Fprintf(&b, "🌐 <b>Language:</b> %s\n", dashIfEmpty(u.Lang))
	fmt.Fprintf(&b, "📅 <b>Joined:</b> %s\n\n", u.JoinedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "💰 <b>Balance:</b> %d credits\n", u.Balance)
	fmt.Fprintf(&b, "⛔ <b>Reserved:</b> %d credits\n", u.ReservedBalance)
	return b.String()
}

func renderJob(j *models.GenerationJob) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎬 <b>Generation #%d</b> [%s]\n\n", j.ID, j.Status)
	fmt.Fprintf(&b, "📁 <b>Category:</b> %s\n", strOrDash(j.Category))
	fmt.Fprintf(&b, "💰 <b>Hold:</b> %d", j.ReservationAmount)
	if j.HoldReleased {
		b.WriteString(" (released)")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "🕒 <b>Created:</b> %s\n", j.CreatedAt.Format("2006-01-02 15:04"))
	if j.CompletedAt != nil {
		fmt.Fprintf(&b, "✅ <b>Finished:</b> %s\n", j.CompletedAt.Format("2006-01-02 15:04"))
	}
	return b.String()
}

func renderResend(j *models.GenerationJob) string {
	return fmt.Sprintf("🎬 <b>Result #%d</b>\n\n📁 <b>Category:</b> %s", j.ID, strOrDash(j.Category))
}

func renderPayment(p *models.Payment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💳 <b>#%d</b> — %d credits\n", p.ID, p.Amount)
	fmt.Fprintf(&b, "Provider: %s\n", strOrDash(p.Provider))
	fmt.Fprintf(&b, "Status: %s\n", p.Status)
	fmt.Fprintf(&b, "Created: %s\n", p.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "External ID: %s", strOrDash(p.ExternalID))
	return b.String()
}

func decisionErrorToast(err error) string {
	switch {
	case errors.Is(err, moderation.ErrAlreadyClaimed):
		return "Another moderator is on it"
	case errors.Is(err, moderation.ErrNotAuthorized):
		return "Not authorized"
	case errors.Is(err, moderation.ErrInvalidTransition):
		return "Complaint is not in a state for that"
	case errors.Is(err, accounting.ErrInsufficientFunds):
		return "User balance too low"
	case errors.Is(err, accounting.ErrInvariantViolation):
		return "Balance invariant violated, action aborted"
	default:
		return "Internal error"
	}
}

func strOrDash(s *string) string {
	if s == nil || *s == "" {
		return "—"
	}
	return *s
}

func fileNameOrDash(path *string) string {
	if path == nil || *path == "" {
		return "—"
	}
	return filepath.Base(*path)
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func valueOrZero(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}
