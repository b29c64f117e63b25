// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package dispatch

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/pitchai/service-monitor/pkg/util/log"
)

const (
	gateKeyDisabled = "disabled"
	gateKeyNotified = "notified"

	// RateLimitCooldown is how long dispatch stays off after a 429.
	RateLimitCooldown = 30 * time.Minute
)

// Gate decides whether dispatch escalation is currently allowed. Auth
// failures disable it until the process restarts (the token has to be
// fixed anyway); rate limiting disables it for a cooldown window.
type Gate struct {
	entries *cache.Cache
}

// NewGate returns an enabled gate.
func NewGate() *Gate {
	return &Gate{entries: cache.New(cache.NoExpiration, time.Minute)}
}

// Enabled reports whether dispatching is currently allowed. Expired
// cooldowns re-enable automatically.
func (g *Gate) Enabled() bool {
	_, disabled := g.entries.Get(gateKeyDisabled)
	return !disabled
}

// DisabledReason returns the recorded reason, or "".
func (g *Gate) DisabledReason() string {
	if v, ok := g.entries.Get(gateKeyDisabled); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// DisablePermanently turns dispatch off for the process lifetime.
func (g *Gate) DisablePermanently(reason string) {
	log.Warnf("dispatch disabled permanently: %s", reason) //nolint:errcheck
	g.entries.Set(gateKeyDisabled, reason, cache.NoExpiration)
}

// DisableFor turns dispatch off for a cooldown window.
func (g *Gate) DisableFor(reason string, d time.Duration) {
	log.Warnf("dispatch disabled for %s: %s", d, reason) //nolint:errcheck
	g.entries.Set(gateKeyDisabled, reason, d)
}

// ShouldNotify rate-limits operator notices about the disabled state.
// The first call in any minInterval window returns true.
func (g *Gate) ShouldNotify(minInterval time.Duration) bool {
	if _, ok := g.entries.Get(gateKeyNotified); ok {
		return false
	}
	g.entries.Set(gateKeyNotified, struct{}{}, minInterval)
	return true
}

// ObserveError applies the disable policy to a dispatcher call error
// and reports whether the error was absorbed by the policy (the caller
// should then skip its generic failure notice).
func (g *Gate) ObserveError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		g.DisablePermanently("auth_error_" + strconv.Itoa(se.Code))
		return true
	case http.StatusTooManyRequests:
		g.DisableFor("rate_limited_429", RateLimitCooldown)
		return true
	}
	return false
}

// ObserveRunnerError applies the disable policy to the error text a
// finished run left behind. Quota and billing failures switch dispatch
// off until the token is replaced.
func (g *Gate) ObserveRunnerError(errText string) bool {
	s := strings.ToLower(errText)
	if strings.Contains(s, "quota exceeded") ||
		strings.Contains(s, "billing details") ||
		strings.Contains(s, "insufficient_quota") {
		g.DisablePermanently("runner_quota_exceeded")
		return true
	}
	return false
}
