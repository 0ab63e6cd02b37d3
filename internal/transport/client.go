// Package transport is the chat-platform adapter: a thin Bot API client,
// keyboard builders, and the notifier that renders core events into messages.
// Everything here is fire-and-forget from the core's point of view.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultAPIBase = "https://api.telegram.org"

type Client struct {
	token      string
	apiBase    string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(token string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		token:      token,
		apiBase:    defaultAPIBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !out.OK {
		return fmt.Errorf("%s: %s", method, out.Description)
	}
	return nil
}

// SendMessage delivers an HTML-formatted message, optionally with an inline
// or reply keyboard (replyMarkup may be nil).
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyMarkup any) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	if replyMarkup != nil {
		payload["reply_markup"] = replyMarkup
	}
	return c.call(ctx, "sendMessage", payload)
}

// AnswerCallback acknowledges a callback query, with an optional toast text.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", payload)
}

// SetWebhook points the bot at our endpoint, dropping any queued updates and
// installing the shared secret the middleware checks on every delivery.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	return c.call(ctx, "setWebhook", map[string]any{
		"url":                  url,
		"secret_token":         secret,
		"drop_pending_updates": true,
	})
}

// DeleteWebhook clears the bot's webhook registration.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]any{})
}

// Notify sends best-effort: failures are logged and swallowed, the caller
// never depends on delivery.
func (c *Client) Notify(ctx context.Context, chatID int64, text string) {
	if err := c.SendMessage(ctx, chatID, text, nil); err != nil {
		c.log.Warn("notification failed", "chat_id", chatID, "error", err)
	}
}
