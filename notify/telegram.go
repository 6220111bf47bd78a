// Package notify holds the gateway's best-effort outbound channels: operator
// notifications, merchant webhooks, and the persisted activity trail. None of
// them may fail a pipeline operation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Sink receives operator-facing notification text. Implementations swallow
// their own failures.
type Sink interface {
	Send(ctx context.Context, text string)
}

// NopSink drops every notification.
type NopSink struct{}

func (NopSink) Send(context.Context, string) {}

// TelegramSink posts notifications to a Telegram chat via the bot API.
type TelegramSink struct {
	botToken string
	chatID   string
	http     *http.Client
	logger   *slog.Logger
}

// NewTelegramSink builds a sink; with missing credentials it degrades to a
// warn-and-skip sink rather than failing startup.
func NewTelegramSink(botToken, chatID string, logger *slog.Logger) *TelegramSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramSink{
		botToken: strings.TrimSpace(botToken),
		chatID:   strings.TrimSpace(chatID),
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// Send delivers the message. Failures are logged, never raised.
func (t *TelegramSink) Send(ctx context.Context, text string) {
	if t.botToken == "" || t.chatID == "" {
		t.logger.Warn("telegram credentials missing, skipping notification")
		return
	}
	body, err := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		t.logger.Error("encode telegram message", "error", err)
		return
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.logger.Error("build telegram request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		t.logger.Error("send telegram message", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		t.logger.Error("telegram rejected message", "status", resp.StatusCode)
	}
}
