// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package monitor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchai/service-monitor/pkg/checks/hostcheck"
	"github.com/pitchai/service-monitor/pkg/config"
	"github.com/pitchai/service-monitor/pkg/probe/nginxlog"
)

func hbConfig(times ...string) config.HeartbeatConfig {
	return config.HeartbeatConfig{Enabled: true, Timezone: "UTC", Times: times}
}

func TestDueHeartbeatSlots(t *testing.T) {
	tolerance := 2 * time.Minute
	sent := map[string]string{}

	// Inside the window.
	now := time.Date(2026, 8, 24, 8, 0, 30, 0, time.UTC)
	assert.Equal(t, []string{"08:00"}, DueHeartbeatSlots(hbConfig("08:00", "20:00"), sent, now, tolerance))

	// Before the scheduled time.
	now = time.Date(2026, 8, 24, 7, 59, 0, 0, time.UTC)
	assert.Empty(t, DueHeartbeatSlots(hbConfig("08:00"), sent, now, tolerance))

	// Past the tolerance window.
	now = time.Date(2026, 8, 24, 8, 2, 0, 0, time.UTC)
	assert.Empty(t, DueHeartbeatSlots(hbConfig("08:00"), sent, now, tolerance))

	// Already fired today.
	now = time.Date(2026, 8, 24, 8, 0, 30, 0, time.UTC)
	MarkHeartbeatSent(sent, "08:00", now, time.UTC)
	assert.Empty(t, DueHeartbeatSlots(hbConfig("08:00"), sent, now, tolerance))

	// Fires again the next day.
	now = now.Add(24 * time.Hour)
	assert.Equal(t, []string{"08:00"}, DueHeartbeatSlots(hbConfig("08:00"), sent, now, tolerance))
}

func TestDueHeartbeatSlotsDisabled(t *testing.T) {
	cfg := hbConfig("08:00")
	cfg.Enabled = false
	now := time.Date(2026, 8, 24, 8, 0, 30, 0, time.UTC)
	assert.Empty(t, DueHeartbeatSlots(cfg, map[string]string{}, now, 2*time.Minute))
}

func fp(v float64) *float64 { return &v }

func ip(v int) *int { return &v }

func TestBuildHeartbeatMessage(t *testing.T) {
	until := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	snap := &hostcheck.Snapshot{
		MemUsedPercent:  fp(41.2),
		SwapUsedPercent: fp(3.0),
		CPUUsedPercent:  fp(17.5),
		Load1:           fp(1.4),
		Load1PerCPU:     fp(0.35),
	}

	text := BuildHeartbeatMessage(HeartbeatData{
		Uptime:         26*time.Hour + 5*time.Minute,
		Host:           snap,
		HostViolations: []string{"Disk /: 91.2% >= 90.0%"},
		SlowDomains: []SlowDomain{
			{Domain: "slow.example", HTTPElapsedMS: fp(2100), BrowserElapsedMS: nil},
		},
		Domains: []HeartbeatDomainLine{
			{Domain: "b.example", OK: false, Status: ip(502), Reason: "http", Error: "bad gateway"},
			{Domain: "a.example", OK: true, Status: ip(200), HTTPElapsedMS: fp(123), BrowserElapsedMS: fp(456)},
		},
		Disabled: []HeartbeatDisabledLine{
			{Domain: "paused.example", Until: &until, Reason: "dns migration"},
			{Domain: "off.example"},
		},
		Timezone: time.UTC,
	})

	lines := strings.Split(text, "\n")
	assert.Equal(t, "Service monitor heartbeat 🟢 (uptime 1d 2h 5m)", lines[0])
	assert.Contains(t, text, "- Mem used: 41.2%")
	assert.Contains(t, text, "- Load: 1.40 (per_cpu=0.35)")
	assert.Contains(t, text, "  - Disk /: 91.2% >= 90.0%")
	assert.Contains(t, text, "Performance: DEGRADED (slow_domains=1)")
	assert.Contains(t, text, "- slow.example: 2100ms / n/a")
	assert.Contains(t, text, "Domains (HTTP / Browser):")
	assert.Contains(t, text, "- a.example: UP (200) 123ms / 456ms")
	assert.Contains(t, text, "- b.example: DOWN (502, http: bad gateway)")
	assert.Contains(t, text, "- paused.example: DISABLED until 2026-09-01 00:00 UTC (dns migration)")
	assert.Contains(t, text, "- off.example: DISABLED until further notice (no reason given)")

	// Domain rows are sorted.
	aIdx := strings.Index(text, "- a.example")
	bIdx := strings.Index(text, "- b.example")
	require.True(t, aIdx >= 0 && bIdx >= 0)
	assert.Less(t, aIdx, bIdx)
}

func TestBuildHeartbeatMessagePerformanceOK(t *testing.T) {
	text := BuildHeartbeatMessage(HeartbeatData{
		Uptime:  90 * time.Second,
		Domains: []HeartbeatDomainLine{{Domain: "a.example", OK: true, Status: ip(200)}},
	})
	assert.Contains(t, text, "(uptime 1m 30s)")
	assert.Contains(t, text, "Performance: OK")
	assert.NotContains(t, text, "Disabled")
	assert.NotContains(t, text, "Host:")
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "n/a", formatMS(nil))
	assert.Equal(t, "123ms", formatMS(fp(123.4)))
	assert.Equal(t, "2d 3h 4m", formatUptime(51*time.Hour+4*time.Minute+30*time.Second))
	assert.Equal(t, "3h 4m", formatUptime(3*time.Hour+4*time.Minute))
	assert.Equal(t, "0m 42s", formatUptime(42*time.Second))
	assert.Equal(t, "0m 0s", formatUptime(-5*time.Second))
}

func TestBuildHeartbeatMessageNginxSection(t *testing.T) {
	text := BuildHeartbeatMessage(HeartbeatData{
		Uptime: time.Hour,
		Nginx:  &nginxlog.AccessWindowStats{Total: 1200, Status5xx: 7, Status502504: 3, Status4xx: 40},
		Upstream: &nginxlog.UpstreamErrorSummary{
			CountsByServer: map[string]int{"shop.acme.net": 5, "api.acme.net": 2},
		},
	})
	assert.Contains(t, text, "Nginx: total=1200 5xx=7 502/504=3 4xx=40")
	assert.Contains(t, text, "- Upstream errors:")
	assert.Contains(t, text, "  - api.acme.net: 2")
	assert.Contains(t, text, "  - shop.acme.net: 5")

	// Servers come out sorted.
	apiIdx := strings.Index(text, "api.acme.net")
	shopIdx := strings.Index(text, "shop.acme.net")
	assert.Less(t, apiIdx, shopIdx)

	// No nginx config, no section.
	text = BuildHeartbeatMessage(HeartbeatData{Uptime: time.Hour})
	assert.NotContains(t, text, "Nginx:")
}
