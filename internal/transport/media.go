package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ResolveMediaSource normalizes a stored media reference. URLs pass through
// untouched; anything else is a local file path and must exist on disk. The
// returned source is usable for error messages even when ok is false.
func ResolveMediaSource(path string) (source string, local, ok bool) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", false, false
	}
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p, false, true
	}
	if _, err := os.Stat(p); err != nil {
		return p, true, false
	}
	return p, true, true
}

// SendVideo delivers a video with an HTML caption and an optional keyboard.
// Remote sources go out as a plain API call; local files are uploaded.
func (c *Client) SendVideo(ctx context.Context, chatID int64, source string, local bool, caption string, replyMarkup any) error {
	if !local {
		payload := map[string]any{
			"chat_id":    chatID,
			"video":      source,
			"caption":    caption,
			"parse_mode": "HTML",
		}
		if replyMarkup != nil {
			payload["reply_markup"] = replyMarkup
		}
		return c.call(ctx, "sendVideo", payload)
	}
	return c.upload(ctx, "sendVideo", "video", source, map[string]string{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"caption":    caption,
		"parse_mode": "HTML",
	}, replyMarkup)
}

// SendPhoto delivers a photo with an HTML caption.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, source string, local bool, caption string) error {
	if !local {
		return c.call(ctx, "sendPhoto", map[string]any{
			"chat_id":    chatID,
			"photo":      source,
			"caption":    caption,
			"parse_mode": "HTML",
		})
	}
	return c.upload(ctx, "sendPhoto", "photo", source, map[string]string{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"caption":    caption,
		"parse_mode": "HTML",
	}, nil)
}

// upload posts a local file to the Bot API as multipart form data.
func (c *Client) upload(ctx context.Context, method, field, path string, fields map[string]string, replyMarkup any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	if replyMarkup != nil {
		markup, err := json.Marshal(replyMarkup)
		if err != nil {
			return err
		}
		if err := mw.WriteField("reply_markup", string(markup)); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

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
