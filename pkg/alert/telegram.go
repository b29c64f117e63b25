// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/pitchai/service-monitor/pkg/util/log"
)

// MaxMessageLen is the Bot API hard limit on one sendMessage text.
const MaxMessageLen = 4096

const telegramSendTimeout = 15 * time.Second

// TelegramConfig identifies the bot and the target chat. MaxLen lets
// operators stay under the wire limit with headroom; zero means
// MaxMessageLen.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	MaxLen   int
}

// Notifier delivers one alert text. The monitor and the registry only
// depend on this, so tests swap in a recorder.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// TelegramNotifier sends alerts through the Telegram Bot API, chunking
// long messages on line boundaries.
type TelegramNotifier struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegramNotifier builds a notifier; a nil client gets a default
// with the send timeout applied.
func NewTelegramNotifier(cfg TelegramConfig, client *http.Client) *TelegramNotifier {
	if client == nil {
		client = &http.Client{Timeout: telegramSendTimeout}
	}
	return &TelegramNotifier{cfg: cfg, client: client}
}

// Configured reports whether both the token and the chat are set.
func (t *TelegramNotifier) Configured() bool {
	return t.cfg.BotToken != "" && t.cfg.ChatID != ""
}

// SplitMessage splits text into chunks of at most maxLen bytes,
// preferring line boundaries. When the best newline sits before
// 60% of the limit the chunk is cut hard instead, so a single enormous
// line cannot degenerate into tiny fragments.
func SplitMessage(text string, maxLen int) []string {
	s := strings.TrimSpace(text)
	if s == "" {
		return []string{""}
	}
	if maxLen < 1 {
		maxLen = 1
	}

	var parts []string
	for s != "" {
		if len(s) <= maxLen {
			parts = append(parts, s)
			break
		}
		limit := maxLen + 1
		if limit > len(s) {
			limit = len(s)
		}
		cut := strings.LastIndex(s[:limit], "\n")
		if cut < 0 || float64(cut) < float64(maxLen)*0.6 {
			cut = maxLen
		}
		parts = append(parts, strings.TrimRight(s[:cut], " \t\n"))
		s = strings.TrimLeft(s[cut:], " \t\n")
	}
	return parts
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send splits the text and posts each chunk in order. A failed chunk
// does not stop later chunks and is not retried; the aggregate error is
// returned.
func (t *TelegramNotifier) Send(ctx context.Context, text string) error {
	if !t.Configured() {
		return log.Warn("telegram not configured; dropping alert")
	}
	maxLen := t.cfg.MaxLen
	if maxLen <= 0 {
		maxLen = MaxMessageLen
	}

	var errs *multierror.Error
	for i, part := range SplitMessage(text, maxLen) {
		if err := t.sendOne(ctx, part); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("chunk %d: %s", i, t.redact(err.Error())))
		}
	}
	return errs.ErrorOrNil()
}

func (t *TelegramNotifier) sendOne(ctx context.Context, text string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.cfg.BotToken)
	payload, err := json.Marshal(map[string]string{"chat_id": t.cfg.ChatID, "text": text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("sendMessage status %d: %v", resp.StatusCode, err)
	}
	if !body.OK {
		return fmt.Errorf("sendMessage status %d: %s", resp.StatusCode, body.Description)
	}
	return nil
}

// redact keeps the bot token out of error strings that end up in logs
// and dashboards.
func (t *TelegramNotifier) redact(s string) string {
	if t.cfg.BotToken == "" {
		return s
	}
	return strings.ReplaceAll(s, t.cfg.BotToken, "<redacted>")
}
