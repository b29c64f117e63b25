// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultDispatchBaseURL is where confirmed incidents are escalated.
const DefaultDispatchBaseURL = "https://dispatch.pitchai.net"

// Settings are the process-level knobs read from the environment.
// Secrets (bot token, dispatch token) live here and never in the YAML
// config.
type Settings struct {
	TelegramBotToken string
	TelegramChatID   string

	DispatchBaseURL string
	DispatchToken   string
	DispatchModel   string

	StatePath  string
	ConfigPath string

	// BrowserMinMemAvailableMB overrides the config value when the
	// BROWSER_MIN_MEM_AVAILABLE_MB variable is set.
	BrowserMinMemAvailableMB *int
}

// LoadSettings reads the environment. The Telegram credentials are
// required; the monitor is useless if it cannot alert.
func LoadSettings() (Settings, error) {
	s := Settings{
		TelegramBotToken: strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		TelegramChatID:   strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")),
		DispatchBaseURL:  strings.TrimSpace(os.Getenv("PITCHAI_DISPATCH_BASE_URL")),
		DispatchToken:    strings.TrimSpace(os.Getenv("PITCHAI_DISPATCH_TOKEN")),
		DispatchModel:    strings.TrimSpace(os.Getenv("PITCHAI_DISPATCH_MODEL")),
		StatePath:        strings.TrimSpace(os.Getenv("SERVICE_MONITOR_STATE_PATH")),
		ConfigPath:       strings.TrimSpace(os.Getenv("SERVICE_MONITOR_CONFIG_PATH")),
	}
	if s.TelegramBotToken == "" || s.TelegramChatID == "" {
		return Settings{}, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set")
	}
	if s.DispatchBaseURL == "" {
		s.DispatchBaseURL = DefaultDispatchBaseURL
	}
	if raw := strings.TrimSpace(os.Getenv("BROWSER_MIN_MEM_AVAILABLE_MB")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return Settings{}, errors.Errorf("invalid BROWSER_MIN_MEM_AVAILABLE_MB: %q", raw)
		}
		s.BrowserMinMemAvailableMB = &v
	}
	return s, nil
}

// MinMemAvailableMB resolves the browser launch memory gate:
// environment override first, then the config value, then the default.
func (s Settings) MinMemAvailableMB(cfg *Config) int {
	if s.BrowserMinMemAvailableMB != nil {
		return *s.BrowserMinMemAvailableMB
	}
	if cfg != nil && cfg.BrowserMinMemAvailableMB != nil {
		return *cfg.BrowserMinMemAvailableMB
	}
	return 300
}
