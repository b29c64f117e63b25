// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package monitor

import (
	"fmt"
	"strings"
	"time"
)

// DownAlertInfo is everything the down-alert builder needs about one
// confirmed-down domain.
type DownAlertInfo struct {
	Domain     string
	Reason     string
	FailStreak int
	DownAfter  int

	HTTPStatus    *int
	HTTPElapsedMS *float64

	BrowserStatus    *int
	BrowserElapsedMS *float64

	FinalURL                string
	FinalHost               string
	ExpectedFinalHostSuffix string
	FinalHostMismatch       bool

	Title         string
	ExpectedTitle string
	TitleMismatch bool

	Error            string
	ForbiddenHits    []string
	MissingSelectors []string
	MissingText      []string
}

func statusText(status *int) string {
	if status == nil {
		return "n/a"
	}
	return fmt.Sprintf("%d", *status)
}

// BuildDownAlertMessage renders the Telegram alert for a confirmed DOWN
// edge. Only the lines with something to say are included.
func BuildDownAlertMessage(info DownAlertInfo) string {
	lines := []string{
		fmt.Sprintf("%s is DOWN ❌", info.Domain),
		fmt.Sprintf("Reason: %s", info.Reason),
	}
	if info.DownAfter > 1 {
		lines = append(lines, fmt.Sprintf("Debounce: fail_streak=%d/%d", info.FailStreak, info.DownAfter))
	}
	lines = append(lines, fmt.Sprintf("HTTP: %s (%s)", statusText(info.HTTPStatus), formatMS(info.HTTPElapsedMS)))
	if info.BrowserStatus != nil || info.BrowserElapsedMS != nil {
		lines = append(lines, fmt.Sprintf("Browser: %s (%s)", statusText(info.BrowserStatus), formatMS(info.BrowserElapsedMS)))
	}
	if info.FinalURL != "" {
		lines = append(lines, fmt.Sprintf("Final URL: %s", info.FinalURL))
	}
	if info.FinalHostMismatch {
		lines = append(lines, fmt.Sprintf("Final host mismatch: got=%s expected_suffix=%s", info.FinalHost, info.ExpectedFinalHostSuffix))
	}
	if info.TitleMismatch {
		lines = append(lines, fmt.Sprintf("Title mismatch: got=%q expected_contains=%q", info.Title, info.ExpectedTitle))
	}
	if info.Error != "" {
		lines = append(lines, fmt.Sprintf("Error: %s", truncateText(info.Error, 500)))
	}
	for i, hit := range info.ForbiddenHits {
		if i >= 8 {
			break
		}
		lines = append(lines, fmt.Sprintf("Forbidden text hit: %s", hit))
	}
	if len(info.MissingSelectors) > 0 {
		lines = append(lines, fmt.Sprintf("Missing selectors: %s", strings.Join(capList(info.MissingSelectors, 5), ", ")))
	}
	if len(info.MissingText) > 0 {
		lines = append(lines, fmt.Sprintf("Missing text: %s", strings.Join(capList(info.MissingText, 5), ", ")))
	}
	return strings.Join(lines, "\n")
}

// BuildRecoveryMessage renders the UP edge notice.
func BuildRecoveryMessage(domain string, downFor time.Duration, status *int, elapsed *float64) string {
	lines := []string{
		fmt.Sprintf("%s is UP ✅", domain),
		fmt.Sprintf("Down for: %s", formatUptime(downFor)),
	}
	if status != nil || elapsed != nil {
		lines = append(lines, fmt.Sprintf("HTTP: %s (%s)", statusText(status), formatMS(elapsed)))
	}
	return strings.Join(lines, "\n")
}

// BuildHostHealthAlertMessage renders the host-threshold alert.
func BuildHostHealthAlertMessage(hostname string, violations []string) string {
	lines := []string{fmt.Sprintf("Host health ALERT 🚨 (%s)", hostname)}
	for _, v := range capList(violations, 10) {
		lines = append(lines, "- "+v)
	}
	return strings.Join(lines, "\n")
}

// BuildHostHealthRecoveryMessage renders the host recovery notice.
func BuildHostHealthRecoveryMessage(hostname string) string {
	return fmt.Sprintf("Host health OK ✅ (%s)", hostname)
}

// BuildBrowserDegradedNotice explains why browser results are missing.
// The monitor keeps running HTTP-only while Chromium cannot launch.
func BuildBrowserDegradedNotice(lastError string, failCount int) string {
	lines := []string{
		"Browser probes DEGRADED on monitor host ⚠️",
		"Domains are checked HTTP-only until Chromium relaunches.",
		fmt.Sprintf("Launch failures: %d", failCount),
	}
	if lastError != "" {
		lines = append(lines, fmt.Sprintf("Last error: %s", truncateText(lastError, 300)))
	}
	return strings.Join(lines, "\n")
}

// BuildBrowserRecoveredNotice reports that browser probes resumed.
func BuildBrowserRecoveredNotice() string {
	return "Browser probes recovered ✅ (full checks resumed)"
}

func capList(items []string, max int) []string {
	if len(items) <= max {
		return items
	}
	return items[:max]
}

// dispatchReadOnlyRules is appended to every dispatcher prompt. The
// dispatched agent investigates; humans remediate.
func dispatchReadOnlyRules() string {
	return strings.Join([]string{
		"Rules:",
		"- Read-only investigation only: inspect logs, service status, nginx, DNS, certificates, recent deploys.",
		"- Do not restart services, change configs, rotate credentials or write to databases.",
		"- Finish with a short summary: most likely root cause, evidence, and the single next action a human should take.",
		"- If everything looks healthy from the server side, say so explicitly.",
	}, "\n")
}

// BuildDomainDispatchPrompt is the investigation brief for a confirmed
// domain outage.
func BuildDomainDispatchPrompt(domain, reason, alertText string) string {
	parts := []string{
		fmt.Sprintf("The monitored domain %s was just confirmed DOWN (reason: %s).", domain, reason),
		"Investigate why from the server side.",
		"",
		"Monitor findings:",
		alertText,
		"",
		dispatchReadOnlyRules(),
	}
	return strings.Join(parts, "\n")
}

// BuildHostHealthDispatchPrompt is the brief for host threshold breaches.
func BuildHostHealthDispatchPrompt(hostname string, violations []string) string {
	parts := []string{
		fmt.Sprintf("Host health thresholds were breached on %s.", hostname),
		"Violations:",
	}
	for _, v := range capList(violations, 10) {
		parts = append(parts, "- "+v)
	}
	parts = append(parts,
		"",
		"Find what is consuming the resources (processes, containers, disk growth).",
		"",
		dispatchReadOnlyRules(),
	)
	return strings.Join(parts, "\n")
}

// BuildPerformanceDispatchPrompt is the brief for sustained latency
// degradation without availability failures.
func BuildPerformanceDispatchPrompt(slowDomains []string) string {
	parts := []string{
		"Monitored domains are responding but sustained latency exceeds the configured caps.",
		fmt.Sprintf("Slow domains: %s", strings.Join(capList(slowDomains, 10), ", ")),
		"Look for load, slow upstreams, database pressure or recent deploys.",
		"",
		dispatchReadOnlyRules(),
	}
	return strings.Join(parts, "\n")
}
