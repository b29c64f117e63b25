// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package monitor

import (
	"context"
	"expvar"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pitchai/service-monitor/pkg/alert"
	"github.com/pitchai/service-monitor/pkg/checks/apicontract"
	"github.com/pitchai/service-monitor/pkg/checks/hostcheck"
	"github.com/pitchai/service-monitor/pkg/checks/synthetic"
	"github.com/pitchai/service-monitor/pkg/checks/webvitals"
	"github.com/pitchai/service-monitor/pkg/config"
	"github.com/pitchai/service-monitor/pkg/dispatch"
	"github.com/pitchai/service-monitor/pkg/history"
	"github.com/pitchai/service-monitor/pkg/probe/browser"
	"github.com/pitchai/service-monitor/pkg/probe/dnscheck"
	"github.com/pitchai/service-monitor/pkg/probe/dockercheck"
	"github.com/pitchai/service-monitor/pkg/probe/httpcheck"
	"github.com/pitchai/service-monitor/pkg/probe/nginxlog"
	"github.com/pitchai/service-monitor/pkg/probe/tlscheck"
	"github.com/pitchai/service-monitor/pkg/util/log"
)

// browserDegradedNoticeMinInterval throttles the HTTP-only notice; the
// condition is chronic on small hosts and one ping per window is enough.
const browserDegradedNoticeMinInterval = 6 * time.Hour

// browserRecoverAfterSuccesses is how many consecutive healthy cycles
// the browser signal needs before the recovered notice fires.
const browserRecoverAfterSuccesses = 5

// stateWriteAlertThreshold is the fail streak at which persistent state
// write failures become an alert of their own.
const stateWriteAlertThreshold = 3

var (
	cycleCount    = expvar.NewInt("monitor_cycles")
	alertCount    = expvar.NewInt("monitor_alerts_sent")
	dispatchCount = expvar.NewInt("monitor_dispatches")
)

// browserProvider is the slice of browser.Manager the cycle needs;
// tests substitute a stub so no Chromium is launched.
type browserProvider interface {
	Ensure(ctx context.Context) browser.Browser
	State() browser.LaunchState
	Close()
}

// Monitor owns one monitoring loop: config, state, probes and delivery.
type Monitor struct {
	cfg      *config.Config
	settings config.Settings
	clk      clock.Clock

	statePath    string
	artifactsDir string

	stateMu sync.Mutex
	state   *State

	notifier      alert.Notifier
	httpChecker   *httpcheck.Checker
	apiRunner     *apicontract.Runner
	browsers      browserProvider
	dispatcher    *dispatch.Client
	gate          *dispatch.Gate
	resolver      dnscheck.Resolver
	tlsChecker    *tlscheck.Checker
	dockerChecker *dockercheck.Checker

	hostname  string
	startedAt time.Time

	// Latest host snapshot, reused by the heartbeat so it does not
	// re-read the host mid-message.
	lastHostSnapshot   *hostcheck.Snapshot
	lastHostViolations []string

	dispatchWG sync.WaitGroup
}

// New assembles a Monitor. The notifier and the optional dispatcher
// come from settings; state is loaded (or created) from statePath.
func New(cfg *config.Config, settings config.Settings, statePath string, clk clock.Clock) (*Monitor, error) {
	if clk == nil {
		clk = clock.New()
	}
	st, err := LoadState(statePath)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:          cfg,
		settings:     settings,
		clk:          clk,
		statePath:    statePath,
		artifactsDir: filepath.Join(filepath.Dir(statePath), "artifacts"),
		state:        st,
		httpChecker:  httpcheck.New(nil),
		apiRunner:    &apicontract.Runner{},
		gate:         dispatch.NewGate(),
		resolver:     &dnscheck.ClientResolver{Servers: cfg.DNS.Resolvers},
		hostname:     hostname(),
		startedAt:    clk.Now(),
	}

	m.notifier = alert.NewTelegramNotifier(alert.TelegramConfig{
		BotToken: settings.TelegramBotToken,
		ChatID:   settings.TelegramChatID,
	}, nil)

	m.browsers = browser.NewManager(browser.ManagerConfig{
		MinMemAvailableMB: settings.MinMemAvailableMB(cfg),
	}, clk)

	if settings.DispatchToken != "" {
		m.dispatcher = dispatch.NewClient(dispatch.Config{
			BaseURL: settings.DispatchBaseURL,
			Token:   settings.DispatchToken,
			Model:   settings.DispatchModel,
		}, nil)
	}

	if cfg.TLS.Enabled {
		minDays := cfg.TLS.MinDaysValid
		if minDays <= 0 {
			minDays = 14
		}
		timeout := time.Duration(cfg.TLS.TimeoutSeconds * float64(time.Second))
		m.tlsChecker = tlscheck.New(minDays, timeout)
	}

	if cfg.ContainerMonitoring.Enabled {
		checker, err := dockercheck.NewChecker(cfg.ContainerMonitoring)
		if err != nil {
			log.Warnf("container monitoring disabled: %v", err)
		} else {
			m.dockerChecker = checker
		}
	}

	if st.StartedTS == 0 {
		st.StartedTS = float64(clk.Now().UnixNano()) / float64(time.Second)
	}
	return m, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown-host"
	}
	return h
}

// RunLoop runs cycles until ctx is cancelled. Each cycle starts at
// cycleStart+interval; if a cycle overruns, missed starts are skipped
// rather than bunched up.
func (m *Monitor) RunLoop(ctx context.Context) error {
	interval := m.cfg.Interval()
	for {
		cycleStart := m.clk.Now()
		m.RunCycle(ctx)

		next := cycleStart.Add(interval)
		now := m.clk.Now()
		for !next.After(now) {
			next = next.Add(interval)
		}
		timer := m.clk.Timer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			m.dispatchWG.Wait()
			m.browsers.Close()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// domainOutcome is one domain's raw cycle result before debouncing.
type domainOutcome struct {
	Entry config.DomainEntry
	HTTP  httpcheck.Outcome

	Browser      *browser.CheckOutcome
	BrowserInfra bool

	APIResults []apicontract.Result
	Synthetic  []synthetic.Result
	Vitals     *webvitals.Result

	ObservedOK bool
	Reason     string
	Error      string
}

// CycleSummary reports what one cycle did; tests and the loop's logs
// consume it.
type CycleSummary struct {
	CheckedDomains  int
	DisabledDomains int
	AlertsSent      int
	BrowserUp       bool
}

// RunCycle runs one full monitoring pass.
func (m *Monitor) RunCycle(ctx context.Context) CycleSummary {
	cycleCount.Add(1)
	now := m.clk.Now()
	nowTS := float64(now.UnixNano()) / float64(time.Second)

	var enabled []config.DomainEntry
	var disabled []HeartbeatDisabledLine
	for _, e := range m.cfg.Domains {
		if e.IsDisabled(now) {
			disabled = append(disabled, HeartbeatDisabledLine{
				Domain: strings.ToLower(e.Domain),
				Until:  e.DisabledUntil,
				Reason: e.DisabledReason,
			})
			continue
		}
		enabled = append(enabled, e)
	}

	b := m.browsers.Ensure(ctx)
	m.observeBrowserSignal(b != nil, nowTS)

	outcomes := m.checkDomains(ctx, b, enabled)
	summary := CycleSummary{
		CheckedDomains:  len(outcomes),
		DisabledDomains: len(disabled),
		BrowserUp:       b != nil,
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	domainLines := m.applyDomainOutcomes(ctx, outcomes, nowTS, &summary)
	m.evaluateProxySignal(outcomes, nowTS, &summary)
	m.evaluateHostHealth(ctx, nowTS, &summary)
	m.evaluateContainers(ctx, nowTS, &summary)
	m.evaluateTLS(ctx, enabled, nowTS, &summary)
	m.evaluateDNS(ctx, enabled, nowTS, &summary)
	slow := m.evaluatePerformance(outcomes, nowTS, &summary)
	m.evaluateSLOAndRED(nowTS, &summary)

	if len(domainLines) > 0 || len(disabled) > 0 {
		m.maybeHeartbeat(ctx, now, domainLines, disabled, slow, &summary)
	}

	m.state.History.Prune(nowTS - float64(m.cfg.History.RetentionDays)*86400.0)
	m.persistState(ctx, nowTS)
	return summary
}

// checkDomains fans the enabled domains out under the two semaphores:
// checkSem bounds everything, browserSem additionally bounds the tabs.
func (m *Monitor) checkDomains(ctx context.Context, b browser.Browser, entries []config.DomainEntry) []domainOutcome {
	checkSem := make(chan struct{}, m.cfg.CheckConcurrency)
	browserSem := make(chan struct{}, m.cfg.BrowserConcurrency)

	outcomes := make([]domainOutcome, len(entries))
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry config.DomainEntry) {
			defer wg.Done()
			checkSem <- struct{}{}
			defer func() { <-checkSem }()
			outcomes[i] = m.checkOne(ctx, b, browserSem, entry)
		}(i, entry)
	}
	wg.Wait()

	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].Entry.Domain < outcomes[j].Entry.Domain
	})
	return outcomes
}

func (m *Monitor) checkOne(ctx context.Context, b browser.Browser, browserSem chan struct{}, entry config.DomainEntry) domainOutcome {
	spec := entry.Spec()
	out := domainOutcome{Entry: entry}
	out.HTTP = m.httpChecker.Check(ctx, spec)

	if b != nil {
		browserSem <- struct{}{}
		bc := browser.Check(ctx, b, spec)
		out.Browser = &bc
		out.BrowserInfra = bc.InfraError

		if len(entry.SyntheticTransactions) > 0 {
			out.Synthetic = synthetic.Run(ctx, b, spec.Domain, spec.URL, entry.SyntheticTransactions, synthetic.Options{
				ArtifactsDir: filepath.Join(m.artifactsDir, spec.Domain),
			})
		}
		if m.cfg.WebVitals.Enabled {
			v := webvitals.Measure(ctx, b, spec.Domain, spec.URL, webvitals.Options{
				PostLoadWait: time.Duration(m.cfg.WebVitals.PostLoadWaitMS) * time.Millisecond,
			})
			out.Vitals = &v
		}
		<-browserSem
	}

	if len(entry.APIContractChecks) > 0 {
		out.APIResults = m.apiRunner.Run(ctx, spec.Domain, spec.URL, entry.APIContractChecks)
	}

	out.ObservedOK, out.Reason, out.Error = judge(out)
	return out
}

// judge folds all layers into one raw observation. Browser and
// synthetic infra failures do not count against the domain; the site
// cannot help a broken local Chromium.
func judge(out domainOutcome) (bool, string, string) {
	if !out.HTTP.OK {
		return false, "http", out.HTTP.Error
	}
	if out.Browser != nil && !out.Browser.OK && !out.Browser.InfraError {
		errText, _ := out.Browser.Details["error"].(string)
		return false, "browser", errText
	}
	for _, r := range out.APIResults {
		if !r.OK {
			return false, "api_contract", fmt.Sprintf("%s: %s", r.Name, r.Error)
		}
	}
	for _, r := range out.Synthetic {
		if !r.OK && !r.BrowserInfraError {
			return false, "synthetic", fmt.Sprintf("%s: %s", r.Name, r.Error)
		}
	}
	return true, "", ""
}

// applyDomainOutcomes feeds raw observations through the debounce
// machine, appends history, and sends edge alerts. Holds stateMu.
func (m *Monitor) applyDomainOutcomes(ctx context.Context, outcomes []domainOutcome, nowTS float64, summary *CycleSummary) []HeartbeatDomainLine {
	downAfter := m.cfg.Alerting.DownAfterFailures
	upAfter := m.cfg.Alerting.UpAfterSuccesses

	var lines []HeartbeatDomainLine
	for i := range outcomes {
		out := &outcomes[i]
		domain := strings.ToLower(strings.TrimSpace(out.Entry.Domain))
		ds := m.state.Domain(domain)

		prev := alert.State{EffectiveOK: ds.EffectiveOK, FailStreak: ds.FailStreak, SuccessStreak: ds.SuccessStreak}
		tr := alert.Update(prev, out.ObservedOK, downAfter, upAfter)
		downFor := time.Duration(0)
		if tr.RecoveredUp && ds.LastChangeTS > 0 {
			downFor = time.Duration((nowTS - ds.LastChangeTS) * float64(time.Second))
		}
		if tr.State.EffectiveOK != ds.EffectiveOK {
			ds.LastChangeTS = nowTS
		}
		ds.EffectiveOK = tr.State.EffectiveOK
		ds.FailStreak = tr.State.FailStreak
		ds.SuccessStreak = tr.State.SuccessStreak
		ds.LastStatus = out.HTTP.StatusCode
		ds.LastReason = out.Reason
		ds.LastError = out.Error

		m.appendSample(domain, out, ds.EffectiveOK, nowTS)

		if tr.AlertedDown {
			info := buildDownInfo(out, tr.State.FailStreak, downAfter)
			text := BuildDownAlertMessage(info)
			m.send(ctx, text, summary)
			m.state.RecordEvent(nowTS, "domain_down", domain+": "+out.Reason)
			m.escalate(ctx, "domain_down", domain, BuildDomainDispatchPrompt(domain, out.Reason, text), nowTS)
		}
		if tr.RecoveredUp && m.cfg.Alerting.RecoveryNoticesEnabled() {
			httpMS := &out.HTTP.ElapsedMS
			m.send(ctx, BuildRecoveryMessage(domain, downFor, out.HTTP.StatusCode, httpMS), summary)
			m.state.RecordEvent(nowTS, "domain_up", domain)
		}

		lines = append(lines, heartbeatLine(domain, out, ds))
	}
	return lines
}

func (m *Monitor) appendSample(domain string, out *domainOutcome, effectiveOK bool, nowTS float64) {
	sample := history.Sample{TS: nowTS, OK: effectiveOK, StatusCode: out.HTTP.StatusCode}
	if out.HTTP.ElapsedMS > 0 {
		v := out.HTTP.ElapsedMS
		sample.HTTPElapsedMS = &v
	}
	if out.Browser != nil && !out.Browser.InfraError {
		v := out.Browser.ElapsedMS
		sample.BrowserElapsedMS = &v
	}
	m.state.History.Append(domain, sample)
}

func heartbeatLine(domain string, out *domainOutcome, ds *DomainState) HeartbeatDomainLine {
	line := HeartbeatDomainLine{
		Domain: domain,
		OK:     ds.EffectiveOK,
		Status: out.HTTP.StatusCode,
		Reason: out.Reason,
		Error:  out.Error,
	}
	if out.HTTP.ElapsedMS > 0 {
		v := out.HTTP.ElapsedMS
		line.HTTPElapsedMS = &v
	}
	if out.Browser != nil && !out.Browser.InfraError {
		v := out.Browser.ElapsedMS
		line.BrowserElapsedMS = &v
	}
	return line
}

func buildDownInfo(out *domainOutcome, failStreak, downAfter int) DownAlertInfo {
	domain := strings.ToLower(strings.TrimSpace(out.Entry.Domain))
	spec := out.Entry.Spec()
	info := DownAlertInfo{
		Domain:     domain,
		Reason:     out.Reason,
		FailStreak: failStreak,
		DownAfter:  downAfter,
		HTTPStatus: out.HTTP.StatusCode,
		Error:      out.Error,
		FinalURL:   out.HTTP.FinalURL,
	}
	if out.HTTP.ElapsedMS > 0 {
		v := out.HTTP.ElapsedMS
		info.HTTPElapsedMS = &v
	}
	info.ForbiddenHits = out.HTTP.ForbiddenHits

	if spec.ExpectedFinalHostSuffix != "" && out.HTTP.FinalHost != "" &&
		!strings.HasSuffix(out.HTTP.FinalHost, spec.ExpectedFinalHostSuffix) {
		info.FinalHostMismatch = true
		info.FinalHost = out.HTTP.FinalHost
		info.ExpectedFinalHostSuffix = spec.ExpectedFinalHostSuffix
	}

	if bc := out.Browser; bc != nil && !bc.InfraError {
		v := bc.ElapsedMS
		info.BrowserElapsedMS = &v
		if status, ok := bc.Details["http_status"].(*int); ok && status != nil {
			info.BrowserStatus = status
		}
		if u, ok := bc.Details["final_url"].(string); ok && u != "" {
			info.FinalURL = u
		}
		if titleOK, ok := bc.Details["title_ok"].(bool); ok && !titleOK {
			info.TitleMismatch = true
			info.Title, _ = bc.Details["title"].(string)
			info.ExpectedTitle = spec.ExpectedTitleContains
		}
		if hits, ok := bc.Details["forbidden_hits"].([]string); ok && len(hits) > 0 {
			info.ForbiddenHits = hits
		}
		if sel, ok := bc.Details["missing_selectors_all"].([]string); ok {
			info.MissingSelectors = sel
		}
		if txt, ok := bc.Details["missing_text"].([]string); ok {
			info.MissingText = txt
		}
	}
	return info
}

// send delivers one alert, logging rather than failing the cycle when
// Telegram is unreachable.
func (m *Monitor) send(ctx context.Context, text string, summary *CycleSummary) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Send(ctx, text); err != nil {
		log.Warnf("telegram send failed: %v", err)
		return
	}
	alertCount.Add(1)
	if summary != nil {
		summary.AlertsSent++
	}
}

// escalate asks the dispatcher to investigate. Fire-and-follow-up: the
// job is submitted, and when it finishes the agent's summary is relayed
// as a second message.
func (m *Monitor) escalate(ctx context.Context, kind, domain, prompt string, nowTS float64) {
	if m.dispatcher == nil {
		return
	}
	if !m.gate.Enabled() {
		m.state.RecordEvent(nowTS, "dispatch_skipped", m.gate.DisabledReason())
		return
	}
	dispatchCount.Add(1)

	m.dispatchWG.Add(1)
	go func() {
		defer m.dispatchWG.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Minute)
		defer cancel()

		bundle, runner, err := m.dispatcher.Dispatch(runCtx, dispatch.JobRequest{Prompt: prompt})
		rec := DispatchRecord{TS: nowTS, Kind: kind, Domain: domain, Bundle: bundle, Runner: runner}
		if err != nil {
			rec.Error = err.Error()
			m.recordDispatchLocked(rec)
			if m.gate.ObserveError(err) && m.gate.ShouldNotify(time.Hour) {
				m.send(runCtx, "Dispatcher disabled ⚠️: "+m.gate.DisabledReason(), nil)
			}
			return
		}

		if _, err := m.dispatcher.WaitForTerminalStatus(runCtx, bundle); err != nil {
			rec.Error = err.Error()
			m.recordDispatchLocked(rec)
			if m.gate.ObserveError(err) && m.gate.ShouldNotify(time.Hour) {
				m.send(runCtx, "Dispatcher disabled ⚠️: "+m.gate.DisabledReason(), nil)
			}
			return
		}
		tail, err := m.dispatcher.GetLogTail(runCtx, bundle)
		if err == nil {
			if msg := dispatch.ExtractLastAgentMessage(tail); msg != "" {
				rec.AgentMessage = truncateText(msg, 2000)
				m.send(runCtx, fmt.Sprintf("Dispatcher analysis (%s):\n%s", domain, rec.AgentMessage), nil)
			} else if errMsg := dispatch.ExtractLastErrorMessage(tail); errMsg != "" {
				rec.Error = errMsg
				m.gate.ObserveRunnerError(errMsg)
			}
		}
		m.recordDispatchLocked(rec)
	}()
}

func (m *Monitor) recordDispatchLocked(rec DispatchRecord) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.state.RecordDispatch(rec)
}

// persistState writes the state file and tracks its own failures; a
// monitor that cannot persist will repeat alerts after restart, which
// is worth an alert itself.
func (m *Monitor) persistState(ctx context.Context, nowTS float64) {
	if err := SaveState(m.statePath, m.state); err != nil {
		m.state.Meta.StateWriteFailStreak++
		log.Errorf("state write failed (streak=%d): %v", m.state.Meta.StateWriteFailStreak, err)
		if m.state.Meta.StateWriteFailStreak == stateWriteAlertThreshold {
			m.send(ctx, fmt.Sprintf("Monitor state writes failing ⚠️ (streak=%d): %v", m.state.Meta.StateWriteFailStreak, err), nil)
		}
		return
	}
	m.state.Meta.StateWriteFailStreak = 0
}

// maybeHeartbeat fires due heartbeat slots. Requires a cycle that
// actually produced results; an empty config reload cycle stays quiet.
func (m *Monitor) maybeHeartbeat(ctx context.Context, now time.Time, lines []HeartbeatDomainLine, disabled []HeartbeatDisabledLine, slow []SlowDomain, summary *CycleSummary) {
	due := DueHeartbeatSlots(m.cfg.Heartbeat, m.state.HeartbeatSent, now, m.cfg.HeartbeatTolerance())
	if len(due) == 0 {
		return
	}

	data := HeartbeatData{
		Uptime:         now.Sub(m.startedAt),
		Host:           m.lastHostSnapshot,
		HostViolations: m.lastHostViolations,
		SlowDomains:    slow,
		Domains:        lines,
		Disabled:       disabled,
		Timezone:       m.cfg.Heartbeat.Location(),
	}

	if m.cfg.Nginx.AccessLogPath != "" {
		window := time.Duration(m.cfg.Nginx.WindowSeconds) * time.Second
		if window <= 0 {
			window = time.Hour
		}
		data.Nginx = nginxlog.ComputeAccessWindowStats(m.cfg.Nginx.AccessLogPath, now, window, nginxlog.AccessOptions{})
		if m.cfg.Nginx.ErrorLogPath != "" {
			events := nginxlog.ParseRecentUpstreamErrors(m.cfg.Nginx.ErrorLogPath, now, window,
				m.cfg.Heartbeat.Location(), nginxlog.ErrorOptions{})
			if len(events) > 0 {
				summary := nginxlog.SummarizeUpstreamErrors(events)
				data.Upstream = &summary
			}
		}
	}
	text := BuildHeartbeatMessage(data)
	loc := m.cfg.Heartbeat.Location()
	for _, slot := range due {
		MarkHeartbeatSent(m.state.HeartbeatSent, slot, now, loc)
	}
	m.send(ctx, text, summary)
}
