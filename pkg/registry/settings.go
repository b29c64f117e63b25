// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package registry

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	defaultMaxUploadBytes     = 1 << 20 // 1 MiB of test source is plenty
	defaultRunnerLockTimeout  = 15 * 60
	defaultListenAddr         = "127.0.0.1:8750"
	strictPolicyTriggerSuffix = "monitoring.pitchai.net"
)

// Settings holds the registry process configuration, sourced from
// E2E_REGISTRY_* environment variables plus the shared telegram and
// dispatcher variables.
type Settings struct {
	DBPath       string
	ArtifactsDir string
	ListenAddr   string

	AdminToken   string
	MonitorToken string
	RunnerToken  string

	PublicBaseURL            string
	StrictBaseURLPolicy      bool
	AllowedBaseURLHosts      []string
	MaxUploadBytes           int64
	RunnerLockTimeoutSeconds int

	TelegramBotToken string
	TelegramChatID   string

	DispatchBaseURL string
	DispatchToken   string
	DispatchModel   string
}

// LoadSettings reads the environment. The database path and the three
// scope tokens are required; everything else has a default. Telegram
// and dispatcher credentials are optional: without them the registry
// still serves the API, it just cannot alert or escalate.
func LoadSettings() (Settings, error) {
	s := Settings{
		DBPath:                   os.Getenv("E2E_REGISTRY_DB_PATH"),
		ArtifactsDir:             os.Getenv("E2E_REGISTRY_ARTIFACTS_DIR"),
		ListenAddr:               os.Getenv("E2E_REGISTRY_LISTEN_ADDR"),
		AdminToken:               os.Getenv("E2E_REGISTRY_ADMIN_TOKEN"),
		MonitorToken:             os.Getenv("E2E_REGISTRY_MONITOR_TOKEN"),
		RunnerToken:              os.Getenv("E2E_REGISTRY_RUNNER_TOKEN"),
		PublicBaseURL:            os.Getenv("E2E_REGISTRY_PUBLIC_BASE_URL"),
		MaxUploadBytes:           defaultMaxUploadBytes,
		RunnerLockTimeoutSeconds: defaultRunnerLockTimeout,
		TelegramBotToken:         os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:           os.Getenv("TELEGRAM_CHAT_ID"),
		DispatchBaseURL:          os.Getenv("PITCHAI_DISPATCH_BASE_URL"),
		DispatchToken:            os.Getenv("PITCHAI_DISPATCH_TOKEN"),
		DispatchModel:            os.Getenv("PITCHAI_DISPATCH_MODEL"),
	}

	if s.DBPath == "" {
		return s, errors.New("E2E_REGISTRY_DB_PATH is required")
	}
	if s.AdminToken == "" || s.MonitorToken == "" || s.RunnerToken == "" {
		return s, errors.New("E2E_REGISTRY_ADMIN_TOKEN, E2E_REGISTRY_MONITOR_TOKEN and E2E_REGISTRY_RUNNER_TOKEN are required")
	}
	if s.ArtifactsDir == "" {
		s.ArtifactsDir = "artifacts"
	}
	if s.ListenAddr == "" {
		s.ListenAddr = defaultListenAddr
	}

	if raw := os.Getenv("E2E_REGISTRY_MAX_UPLOAD_BYTES"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return s, errors.Errorf("invalid E2E_REGISTRY_MAX_UPLOAD_BYTES: %q", raw)
		}
		s.MaxUploadBytes = n
	}
	if raw := os.Getenv("E2E_REGISTRY_RUNNER_LOCK_TIMEOUT_SECONDS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return s, errors.Errorf("invalid E2E_REGISTRY_RUNNER_LOCK_TIMEOUT_SECONDS: %q", raw)
		}
		s.RunnerLockTimeoutSeconds = n
	}
	if raw := os.Getenv("E2E_REGISTRY_ALLOWED_BASE_URL_HOSTS"); raw != "" {
		for _, h := range strings.Split(raw, ",") {
			h = strings.ToLower(strings.TrimSpace(h))
			if h != "" {
				s.AllowedBaseURLHosts = append(s.AllowedBaseURLHosts, h)
			}
		}
	}

	// Strict mode defaults on for the production deployment and can be
	// forced either way through the env.
	s.StrictBaseURLPolicy = strings.Contains(s.PublicBaseURL, strictPolicyTriggerSuffix)
	if raw := os.Getenv("E2E_REGISTRY_STRICT_BASE_URL"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return s, errors.Errorf("invalid E2E_REGISTRY_STRICT_BASE_URL: %q", raw)
		}
		s.StrictBaseURLPolicy = v
	}

	return s, nil
}
