// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package monitor

import (
	"context"
	"fmt"
	"strings"

	"github.com/pitchai/service-monitor/pkg/alert"
	"github.com/pitchai/service-monitor/pkg/checks/hostcheck"
	"github.com/pitchai/service-monitor/pkg/checks/proxycheck"
	"github.com/pitchai/service-monitor/pkg/checks/webvitals"
	"github.com/pitchai/service-monitor/pkg/config"
	"github.com/pitchai/service-monitor/pkg/history"
	"github.com/pitchai/service-monitor/pkg/probe/dnscheck"
)

// updateSignal feeds one observation into a signal's debouncer and
// returns the transition. Caller holds stateMu.
func (m *Monitor) updateSignal(kind string, ok bool, downAfter, upAfter int, nowTS float64, detail string) alert.Transition {
	sig := m.state.Signal(kind)
	prev := alert.State{EffectiveOK: sig.EffectiveOK, FailStreak: sig.FailStreak, SuccessStreak: sig.SuccessStreak}
	tr := alert.Update(prev, ok, downAfter, upAfter)
	if tr.State.EffectiveOK != sig.EffectiveOK {
		sig.LastChangeTS = nowTS
	}
	sig.EffectiveOK = tr.State.EffectiveOK
	sig.FailStreak = tr.State.FailStreak
	sig.SuccessStreak = tr.State.SuccessStreak
	if !ok {
		sig.LastDetail = detail
	}
	return tr
}

// observeBrowserSignal tracks Chromium availability. The degraded
// notice is throttled to one per window because the condition is
// chronic on memory-starved hosts; recovery needs a run of healthy
// cycles so a single lucky launch stays quiet.
func (m *Monitor) observeBrowserSignal(up bool, nowTS float64) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	tr := m.updateSignal(SignalBrowser, up, 1, browserRecoverAfterSuccesses, nowTS, "browser launch failing")
	launch := m.browsers.State()

	if !up && !tr.State.EffectiveOK {
		last := m.state.BrowserDegradedLastNoticeTS
		if last == 0 || nowTS-last >= browserDegradedNoticeMinInterval.Seconds() {
			m.state.BrowserDegradedLastNoticeTS = nowTS
			m.send(context.Background(), BuildBrowserDegradedNotice(launch.LastError, launch.FailCount), nil)
			m.state.RecordEvent(nowTS, "browser_degraded", launch.LastError)
		}
	}
	if tr.RecoveredUp && m.state.BrowserDegradedLastNoticeTS > 0 {
		m.state.BrowserDegradedLastNoticeTS = 0
		m.send(context.Background(), BuildBrowserRecoveredNotice(), nil)
		m.state.RecordEvent(nowTS, "browser_recovered", "")
	}
}

// evaluateProxySignal verifies which upstream served each domain this
// cycle. Holds stateMu.
func (m *Monitor) evaluateProxySignal(outcomes []domainOutcome, nowTS float64, summary *CycleSummary) {
	configs := map[string]proxycheck.Config{}
	headers := map[string]map[string]string{}
	for i := range outcomes {
		out := &outcomes[i]
		if out.Entry.Proxy == nil {
			continue
		}
		domain := strings.ToLower(strings.TrimSpace(out.Entry.Domain))
		configs[domain] = *out.Entry.Proxy
		if out.HTTP.CapturedHeaders != nil {
			headers[domain] = out.HTTP.CapturedHeaders
		}
	}
	if len(configs) == 0 {
		return
	}

	issues := proxycheck.CheckUpstreamHeaders(configs, headers)
	detail := formatProxyIssues(issues)
	tr := m.updateSignal(SignalProxy, len(issues) == 0, 1, 1, nowTS, detail)
	if tr.AlertedDown {
		m.send(context.Background(), "Proxy upstream ALERT ⚠️\n"+detail, summary)
		m.state.RecordEvent(nowTS, "proxy_issue", detail)
	}
	if tr.RecoveredUp {
		m.send(context.Background(), "Proxy upstreams back to normal ✅", summary)
	}
}

func formatProxyIssues(issues []proxycheck.Issue) string {
	var lines []string
	for _, iss := range capProxy(issues, 8) {
		line := fmt.Sprintf("- %s: %s", iss.Domain, iss.Reason)
		if iss.Value != "" {
			line += fmt.Sprintf(" (%s=%s)", iss.Header, iss.Value)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func capProxy(items []proxycheck.Issue, max int) []proxycheck.Issue {
	if len(items) <= max {
		return items
	}
	return items[:max]
}

// evaluateHostHealth snapshots the local host and alerts on threshold
// edges. Holds stateMu.
func (m *Monitor) evaluateHostHealth(ctx context.Context, nowTS float64, summary *CycleSummary) {
	if !m.cfg.HostHealth.Enabled {
		return
	}

	var prev *hostcheck.CPUCounters
	if m.state.HostHealth.CPUPrevTotal != nil && m.state.HostHealth.CPUPrevIdle != nil {
		prev = &hostcheck.CPUCounters{Total: *m.state.HostHealth.CPUPrevTotal, Idle: *m.state.HostHealth.CPUPrevIdle}
	}
	snap := hostcheck.Collect(ctx, m.cfg.HostHealth.DiskPaths, prev)
	if snap.NextCPUCounters != nil {
		total, idle := snap.NextCPUCounters.Total, snap.NextCPUCounters.Idle
		m.state.HostHealth.CPUPrevTotal = &total
		m.state.HostHealth.CPUPrevIdle = &idle
	}

	violations := hostcheck.Violations(snap, m.cfg.HostHealth.Thresholds)
	m.lastHostSnapshot = &snap
	m.lastHostViolations = violations

	tr := m.updateSignal(SignalHostHealth, len(violations) == 0, 1, 1, nowTS, strings.Join(violations, "; "))
	if tr.AlertedDown {
		text := BuildHostHealthAlertMessage(m.hostname, violations)
		m.send(ctx, text, summary)
		m.state.RecordEvent(nowTS, "host_health_down", strings.Join(violations, "; "))
		m.escalate(ctx, "host_health", "", BuildHostHealthDispatchPrompt(m.hostname, violations), nowTS)
	}
	if tr.RecoveredUp {
		m.send(ctx, BuildHostHealthRecoveryMessage(m.hostname), summary)
		m.state.RecordEvent(nowTS, "host_health_up", "")
	}
}

// evaluateContainers checks local containers via the engine socket.
// Holds stateMu.
func (m *Monitor) evaluateContainers(ctx context.Context, nowTS float64, summary *CycleSummary) {
	if m.dockerChecker == nil {
		return
	}
	issues, counts := m.dockerChecker.Check(ctx, m.state.ContainerRestartCounts)
	m.state.ContainerRestartCounts = counts

	var lines []string
	for i, iss := range issues {
		if i >= 10 {
			break
		}
		detail := iss.Status
		if iss.Error != "" {
			detail = iss.Error
		}
		if iss.RestartIncrease != nil {
			detail = fmt.Sprintf("restarts +%d", *iss.RestartIncrease)
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", iss.Name, detail))
	}
	detail := strings.Join(lines, "\n")

	tr := m.updateSignal(SignalContainerHealth, len(issues) == 0, 1, 1, nowTS, detail)
	if tr.AlertedDown {
		m.send(ctx, "Container health ALERT 🐳\n"+detail, summary)
		m.state.RecordEvent(nowTS, "container_down", detail)
	}
	if tr.RecoveredUp {
		m.send(ctx, "Container health OK ✅", summary)
	}
}

// evaluateTLS inspects certificates for the enabled https domains.
// Holds stateMu.
func (m *Monitor) evaluateTLS(ctx context.Context, entries []config.DomainEntry, nowTS float64, summary *CycleSummary) {
	if m.tlsChecker == nil {
		return
	}
	var failures []string
	for _, e := range entries {
		spec := e.Spec()
		res := m.tlsChecker.Check(ctx, spec.Domain, spec.URL)
		if res.OK {
			continue
		}
		detail := res.Error
		if res.DaysRemaining != nil {
			detail = fmt.Sprintf("expires in %.1f days (not_after=%s)", *res.DaysRemaining, res.NotAfter)
		}
		failures = append(failures, fmt.Sprintf("- %s: %s", res.Domain, detail))
	}
	detail := strings.Join(failures, "\n")

	tr := m.updateSignal(SignalTLS, len(failures) == 0, 1, 1, nowTS, detail)
	if tr.AlertedDown {
		m.send(ctx, "TLS certificate ALERT 🔒\n"+detail, summary)
		m.state.RecordEvent(nowTS, "tls_issue", detail)
	}
	if tr.RecoveredUp {
		m.send(ctx, "TLS certificates OK ✅", summary)
	}
}

// evaluateDNS resolves the enabled domains and watches for failures and
// address drift. Holds stateMu.
func (m *Monitor) evaluateDNS(ctx context.Context, entries []config.DomainEntry, nowTS float64, summary *CycleSummary) {
	if !m.cfg.DNS.Enabled {
		return
	}
	if m.state.DNSLastIPs == nil {
		m.state.DNSLastIPs = map[string][]string{}
	}

	exps := map[string]dnscheck.Expectations{}
	for _, e := range entries {
		domain := strings.ToLower(strings.TrimSpace(e.Domain))
		exps[domain] = dnscheck.Expectations{
			RequireIPv4:  m.cfg.DNS.RequireIPv4,
			RequireIPv6:  m.cfg.DNS.RequireIPv6,
			ExpectedIPs:  m.cfg.DNS.ExpectedIPsByDomain[domain],
			PreviousIPs:  m.state.DNSLastIPs[domain],
			AlertOnDrift: m.cfg.DNS.AlertOnDrift,
		}
	}

	results := dnscheck.CheckAll(ctx, m.resolver, exps, m.cfg.CheckConcurrency)
	var failures []string
	for _, res := range results {
		if len(res.ARecords) > 0 || len(res.AAAARecords) > 0 {
			combined := make([]string, 0, len(res.ARecords)+len(res.AAAARecords))
			combined = append(combined, res.ARecords...)
			combined = append(combined, res.AAAARecords...)
			m.state.DNSLastIPs[res.Domain] = combined
		}
		if res.OK {
			continue
		}
		detail := res.Error
		if res.DriftDetected {
			detail = fmt.Sprintf("address drift: now=%v expected=%v", res.ARecords, res.ExpectedIPs)
		}
		failures = append(failures, fmt.Sprintf("- %s: %s", res.Domain, detail))
	}
	detail := strings.Join(failures, "\n")

	tr := m.updateSignal(SignalDNS, len(failures) == 0, 1, 1, nowTS, detail)
	if tr.AlertedDown {
		m.send(ctx, "DNS ALERT 🌐\n"+detail, summary)
		m.state.RecordEvent(nowTS, "dns_issue", detail)
	}
	if tr.RecoveredUp {
		m.send(ctx, "DNS resolution OK ✅", summary)
	}
}

// evaluatePerformance compares this cycle's latencies and web vitals
// against the caps. Holds stateMu. Returns the slow list for the
// heartbeat.
func (m *Monitor) evaluatePerformance(outcomes []domainOutcome, nowTS float64, summary *CycleSummary) []SlowDomain {
	if !m.cfg.Performance.Enabled {
		return nil
	}

	var slow []SlowDomain
	var reasons []string
	for i := range outcomes {
		out := &outcomes[i]
		if !out.ObservedOK {
			continue
		}
		domain := strings.ToLower(strings.TrimSpace(out.Entry.Domain))
		httpMax, browserMax := m.cfg.Performance.Caps(domain)

		var domainReasons []string
		entry := SlowDomain{Domain: domain}
		if httpMax != nil && out.HTTP.ElapsedMS > float64(*httpMax) {
			v := out.HTTP.ElapsedMS
			entry.HTTPElapsedMS = &v
			domainReasons = append(domainReasons, fmt.Sprintf("http>%dms", *httpMax))
		}
		if browserMax != nil && out.Browser != nil && !out.Browser.InfraError && out.Browser.ElapsedMS > float64(*browserMax) {
			v := out.Browser.ElapsedMS
			entry.BrowserElapsedMS = &v
			domainReasons = append(domainReasons, fmt.Sprintf("browser>%dms", *browserMax))
		}
		if out.Vitals != nil {
			domainReasons = append(domainReasons, webvitals.Violations(*out.Vitals, m.cfg.WebVitals.Thresholds)...)
		}
		if len(domainReasons) > 0 {
			slow = append(slow, entry)
			reasons = append(reasons, fmt.Sprintf("- %s: %s", domain, strings.Join(domainReasons, ", ")))
		}
	}
	detail := strings.Join(reasons, "\n")

	tr := m.updateSignal(SignalPerformance, len(slow) == 0, 1, 1, nowTS, detail)
	if tr.AlertedDown {
		m.send(context.Background(), "Performance DEGRADED 🐢\n"+detail, summary)
		m.state.RecordEvent(nowTS, "performance_degraded", detail)
		domains := make([]string, len(slow))
		for i, s := range slow {
			domains[i] = s.Domain
		}
		m.escalate(context.Background(), "performance", "", BuildPerformanceDispatchPrompt(domains), nowTS)
	}
	if tr.RecoveredUp {
		m.send(context.Background(), "Performance back within caps ✅", summary)
	}
	return slow
}

// evaluateSLOAndRED folds the history windows into burn-rate and RED
// violations. Holds stateMu.
func (m *Monitor) evaluateSLOAndRED(nowTS float64, summary *CycleSummary) {
	if m.cfg.SLO.TargetPercent != nil {
		violations := history.ComputeSLOBurnViolations(m.state.History, nowTS, *m.cfg.SLO.TargetPercent, m.cfg.SLO.BurnRateRules)
		var lines []string
		for _, v := range violations {
			lines = append(lines, fmt.Sprintf("- %s [%s]: burn short=%.1fx (%dm) long=%.1fx (%dm)",
				v.Domain, v.Rule, v.ShortBurnRate, v.ShortWindowMinutes, v.LongBurnRate, v.LongWindowMinutes))
		}
		detail := strings.Join(lines, "\n")
		tr := m.updateSignal(SignalSLO, len(violations) == 0, 1, 1, nowTS, detail)
		if tr.AlertedDown {
			m.send(context.Background(), "SLO burn-rate ALERT 🔥\n"+detail, summary)
			m.state.RecordEvent(nowTS, "slo_burn", detail)
		}
		if tr.RecoveredUp {
			m.send(context.Background(), "SLO burn rate back under control ✅", summary)
		}
	}

	if m.cfg.RED.WindowMinutes > 0 {
		violations := history.ComputeREDViolations(m.state.History, nowTS, m.cfg.RED)
		var lines []string
		for _, v := range violations {
			lines = append(lines, fmt.Sprintf("- %s: %s (samples=%d)", v.Domain, strings.Join(v.Reasons, ", "), v.TotalSamples))
		}
		detail := strings.Join(lines, "\n")
		tr := m.updateSignal(SignalRED, len(violations) == 0, 1, 1, nowTS, detail)
		if tr.AlertedDown {
			m.send(context.Background(), "RED thresholds ALERT 📈\n"+detail, summary)
			m.state.RecordEvent(nowTS, "red_violation", detail)
		}
		if tr.RecoveredUp {
			m.send(context.Background(), "RED metrics back to normal ✅", summary)
		}
	}
}
