// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Notifier delivers one already-sized message to an alert channel.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// TelegramNotifier posts messages to a chat via the Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

// NewTelegramNotifier builds a notifier for the given bot token and chat.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  "https://api.telegram.org",
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// redact strips the bot token out of error text so it never reaches logs.
func (t *TelegramNotifier) redact(s string) string {
	if t.botToken == "" {
		return s
	}
	return strings.ReplaceAll(s, t.botToken, "<bot-token>")
}

// Send posts one message. The caller is responsible for chunking; oversized
// payloads are rejected here as a guard.
func (t *TelegramNotifier) Send(ctx context.Context, text string) error {
	if len(text) > TelegramHardLimit {
		return fmt.Errorf("message of %d chars exceeds telegram limit", len(text))
	}
	payload, _ := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram request: %s", t.redact(err.Error()))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %s", t.redact(err.Error()))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode, t.redact(string(body)))
	}
	return nil
}
