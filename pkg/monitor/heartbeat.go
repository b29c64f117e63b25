// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pitchai/service-monitor/pkg/checks/hostcheck"
	"github.com/pitchai/service-monitor/pkg/config"
	"github.com/pitchai/service-monitor/pkg/probe/nginxlog"
)

// DueHeartbeatSlots returns the HH:MM slots that should fire now: the
// scheduled time has passed, the tolerance window has not, and the slot
// has not fired today. Each slot fires at most once per day.
func DueHeartbeatSlots(cfg config.HeartbeatConfig, sent map[string]string, now time.Time, tolerance time.Duration) []string {
	if !cfg.Enabled {
		return nil
	}
	loc := cfg.Location()
	local := now.In(loc)
	today := local.Format("2006-01-02")

	var due []string
	for _, slot := range cfg.Times {
		hour, minute, err := config.ParseHHMM(slot)
		if err != nil {
			continue
		}
		scheduled := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if local.Before(scheduled) || !local.Before(scheduled.Add(tolerance)) {
			continue
		}
		if sent[slot] == today {
			continue
		}
		due = append(due, slot)
	}
	sort.Strings(due)
	return due
}

// MarkHeartbeatSent records a slot as fired for today.
func MarkHeartbeatSent(sent map[string]string, slot string, now time.Time, loc *time.Location) {
	sent[slot] = now.In(loc).Format("2006-01-02")
}

// HeartbeatDomainLine is one domain's row in the heartbeat summary.
type HeartbeatDomainLine struct {
	Domain           string
	OK               bool
	Status           *int
	Reason           string
	Error            string
	HTTPElapsedMS    *float64
	BrowserElapsedMS *float64
}

// HeartbeatDisabledLine is one skipped domain.
type HeartbeatDisabledLine struct {
	Domain string
	Until  *time.Time
	Reason string
}

// SlowDomain is one entry of the performance section.
type SlowDomain struct {
	Domain           string
	HTTPElapsedMS    *float64
	BrowserElapsedMS *float64
}

// HeartbeatData is everything the heartbeat message renders.
type HeartbeatData struct {
	Uptime         time.Duration
	Host           *hostcheck.Snapshot
	HostViolations []string
	SlowDomains    []SlowDomain
	Nginx          *nginxlog.AccessWindowStats
	Upstream       *nginxlog.UpstreamErrorSummary
	Domains        []HeartbeatDomainLine
	Disabled       []HeartbeatDisabledLine
	Timezone       *time.Location
}

// BuildHeartbeatMessage renders the periodic status summary.
func BuildHeartbeatMessage(data HeartbeatData) string {
	lines := []string{fmt.Sprintf("Service monitor heartbeat 🟢 (uptime %s)", formatUptime(data.Uptime))}

	if data.Host != nil {
		lines = append(lines, "Host:")
		lines = append(lines, fmt.Sprintf("- Mem used: %s", formatOptPercent(data.Host.MemUsedPercent)))
		lines = append(lines, fmt.Sprintf("- Swap used: %s", formatOptPercent(data.Host.SwapUsedPercent)))
		lines = append(lines, fmt.Sprintf("- CPU used: %s", formatOptPercent(data.Host.CPUUsedPercent)))
		if data.Host.Load1 != nil && data.Host.Load1PerCPU != nil {
			lines = append(lines, fmt.Sprintf("- Load: %.2f (per_cpu=%.2f)", *data.Host.Load1, *data.Host.Load1PerCPU))
		}
		if len(data.HostViolations) > 0 {
			lines = append(lines, "- Violations:")
			for _, v := range capList(data.HostViolations, 5) {
				lines = append(lines, "  - "+v)
			}
		}
	}

	if len(data.SlowDomains) > 0 {
		lines = append(lines, fmt.Sprintf("Performance: DEGRADED (slow_domains=%d)", len(data.SlowDomains)))
		for _, s := range capList2(data.SlowDomains, 5) {
			lines = append(lines, fmt.Sprintf("- %s: %s / %s", s.Domain, formatMS(s.HTTPElapsedMS), formatMS(s.BrowserElapsedMS)))
		}
	} else {
		lines = append(lines, "Performance: OK")
	}

	if data.Nginx != nil {
		lines = append(lines, fmt.Sprintf("Nginx: total=%d 5xx=%d 502/504=%d 4xx=%d",
			data.Nginx.Total, data.Nginx.Status5xx, data.Nginx.Status502504, data.Nginx.Status4xx))
		if data.Upstream != nil && len(data.Upstream.CountsByServer) > 0 {
			lines = append(lines, "- Upstream errors:")
			servers := make([]string, 0, len(data.Upstream.CountsByServer))
			for server := range data.Upstream.CountsByServer {
				servers = append(servers, server)
			}
			sort.Strings(servers)
			for _, server := range capList(servers, 5) {
				lines = append(lines, fmt.Sprintf("  - %s: %d", server, data.Upstream.CountsByServer[server]))
			}
		}
	}

	if len(data.Domains) > 0 {
		lines = append(lines, "Domains (HTTP / Browser):")
		rows := append([]HeartbeatDomainLine(nil), data.Domains...)
		sort.Slice(rows, func(i, j int) bool { return rows[i].Domain < rows[j].Domain })
		for _, row := range rows {
			lines = append(lines, heartbeatDomainLine(row))
		}
	}

	if len(data.Disabled) > 0 {
		loc := data.Timezone
		if loc == nil {
			loc = time.UTC
		}
		lines = append(lines, "Disabled (skipped):")
		rows := append([]HeartbeatDisabledLine(nil), data.Disabled...)
		sort.Slice(rows, func(i, j int) bool { return rows[i].Domain < rows[j].Domain })
		for _, row := range rows {
			lines = append(lines, heartbeatDisabledLine(row, loc))
		}
	}

	return strings.Join(lines, "\n")
}

func heartbeatDomainLine(row HeartbeatDomainLine) string {
	if row.OK {
		return fmt.Sprintf("- %s: UP (%s) %s / %s",
			row.Domain, statusText(row.Status), formatMS(row.HTTPElapsedMS), formatMS(row.BrowserElapsedMS))
	}
	detail := row.Reason
	if row.Error != "" {
		detail = fmt.Sprintf("%s: %s", row.Reason, truncateText(row.Error, 120))
	}
	return fmt.Sprintf("- %s: DOWN (%s, %s)", row.Domain, statusText(row.Status), detail)
}

func heartbeatDisabledLine(row HeartbeatDisabledLine, loc *time.Location) string {
	until := "further notice"
	if row.Until != nil {
		until = row.Until.In(loc).Format("2006-01-02 15:04 MST")
	}
	reason := row.Reason
	if reason == "" {
		reason = "no reason given"
	}
	return fmt.Sprintf("- %s: DISABLED until %s (%s)", row.Domain, until, reason)
}

func capList2(items []SlowDomain, max int) []SlowDomain {
	if len(items) <= max {
		return items
	}
	return items[:max]
}
