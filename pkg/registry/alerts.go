// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitchai/service-monitor/pkg/alert"
	"github.com/pitchai/service-monitor/pkg/dispatch"
	log "github.com/pitchai/service-monitor/pkg/util/log"
)

const maxAlertErrorLen = 500

// BuildTestFailureAlert renders the telegram text for a confirmed test
// failure.
func BuildTestFailureAlert(tenantName string, test Test, req CompleteRequest, failStreak int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "E2E test FAILED ❌ %s / %s\n", tenantName, test.Name)
	fmt.Fprintf(&b, "Base URL: %s\n", test.BaseURL)
	if test.DownAfter > 1 {
		fmt.Fprintf(&b, "Debounce: fail_streak=%d/%d\n", failStreak, test.DownAfter)
	}
	if req.ErrorKind != "" {
		fmt.Fprintf(&b, "Kind: %s\n", req.ErrorKind)
	}
	if req.ErrorMessage != "" {
		msg := req.ErrorMessage
		if len(msg) > maxAlertErrorLen {
			msg = msg[:maxAlertErrorLen] + "..."
		}
		fmt.Fprintf(&b, "Error: %s\n", msg)
	}
	if req.FinalURL != "" {
		fmt.Fprintf(&b, "Final URL: %s\n", req.FinalURL)
	}
	if req.ElapsedMS != nil {
		fmt.Fprintf(&b, "Elapsed: %.0fms\n", *req.ElapsedMS)
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildTestRecoveryAlert renders the recovery message.
func BuildTestRecoveryAlert(tenantName string, test Test, downFor time.Duration) string {
	text := fmt.Sprintf("E2E test RECOVERED ✅ %s / %s", tenantName, test.Name)
	if downFor > 0 {
		text += fmt.Sprintf("\nDown for: %s", formatDownDuration(downFor))
	}
	return text
}

func formatDownDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	sec := total % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm %ds", m, sec)
}

// BuildTestDispatchPrompt is the escalation prompt sent to the
// dispatcher when a failed test has dispatch_on_failure set.
func BuildTestDispatchPrompt(tenantName string, test Test, req CompleteRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "End-to-end test %q for tenant %q just failed against %s.\n",
		test.Name, tenantName, test.BaseURL)
	if req.ErrorKind != "" || req.ErrorMessage != "" {
		fmt.Fprintf(&b, "Failure: %s %s\n", req.ErrorKind, req.ErrorMessage)
	}
	b.WriteString("Investigate whether the target service is actually broken or the test is stale.\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Read-only investigation only. Inspect logs, HTTP responses and DNS.\n")
	b.WriteString("- Do not restart services, change configs or write to databases.\n")
	b.WriteString("- Finish with a short diagnosis and the most likely root cause.")
	return b.String()
}

// Alerter runs the post-commit path after Complete: telegram on DOWN /
// recovery transitions and an optional dispatcher escalation whose
// agent message is attached to the alert thread.
type Alerter struct {
	Notifier   alert.Notifier
	Dispatcher *dispatch.Client
	Gate       *dispatch.Gate
	Store      *Store

	// Escalations run detached from the request context.
	wg sync.WaitGroup
}

// NewAlerter wires the alert path. Notifier and Dispatcher may be nil;
// missing pieces degrade to logging only.
func NewAlerter(notifier alert.Notifier, dispatcher *dispatch.Client, store *Store) *Alerter {
	return &Alerter{
		Notifier:   notifier,
		Dispatcher: dispatcher,
		Gate:       dispatch.NewGate(),
		Store:      store,
	}
}

// Wait blocks until in-flight escalations finish. Called on shutdown.
func (a *Alerter) Wait() { a.wg.Wait() }

// HandleCompletion inspects a completion transition and fires the alert
// path. Safe to call with any result; non-transitions are ignored.
func (a *Alerter) HandleCompletion(runID string, tenantName string, res CompleteResult, req CompleteRequest) {
	if !res.Found {
		return
	}
	switch {
	case res.AlertedDown:
		text := BuildTestFailureAlert(tenantName, res.Test, req, res.State.FailStreak)
		a.notify(text)
		if res.Test.DispatchOnFailure {
			a.escalate(runID, tenantName, res.Test, req)
		}
	case res.RecoveredUp:
		a.notify(BuildTestRecoveryAlert(tenantName, res.Test, time.Duration(res.DownDuration*float64(time.Second))))
	}
}

func (a *Alerter) notify(text string) {
	if a.Notifier == nil {
		log.Infof("telegram not configured, dropping alert: %s", firstLine(text))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Notifier.Send(ctx, text); err != nil {
		log.Errorf("telegram send failed: %v", err)
	}
}

func (a *Alerter) escalate(runID, tenantName string, test Test, req CompleteRequest) {
	if a.Dispatcher == nil || !a.Gate.Enabled() {
		return
	}
	prompt := BuildTestDispatchPrompt(tenantName, test, req)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()

		bundle, runner, err := a.Dispatcher.Dispatch(ctx, dispatch.JobRequest{
			Prompt:   prompt,
			StateKey: "e2e-" + test.ID,
		})
		if err != nil {
			if a.Gate.ObserveError(err) && a.Gate.ShouldNotify(time.Hour) {
				a.notify(fmt.Sprintf("Dispatcher disabled ⚠️\nReason: %s", a.Gate.DisabledReason()))
			}
			log.Errorf("dispatch for run %s failed: %v", runID, err)
			return
		}

		record := DispatchRun{
			ID:       uuid.NewString(),
			RunID:    runID,
			TestID:   test.ID,
			TenantID: test.TenantID,
			Bundle:   bundle,
			Runner:   runner,
			Status:   "queued",
		}
		if err := a.Store.AddDispatchRun(ctx, record); err != nil {
			log.Warnf("record dispatch run: %v", err)
		}

		status, err := a.Dispatcher.WaitForTerminalStatus(ctx, bundle)
		if err != nil {
			if a.Gate.ObserveError(err) && a.Gate.ShouldNotify(time.Hour) {
				a.notify(fmt.Sprintf("Dispatcher disabled ⚠️\nReason: %s", a.Gate.DisabledReason()))
			}
			log.Warnf("dispatch run %s did not finish: %v", bundle, err)
			return
		}
		record.Status = status.RunnerStatus

		logTail, err := a.Dispatcher.GetLogTail(ctx, bundle)
		if err == nil {
			if msg := dispatch.ExtractLastAgentMessage(logTail); msg != "" {
				record.AgentMessage = msg
				a.notify(fmt.Sprintf("Dispatcher analysis (%s / %s):\n%s", tenantName, test.Name, msg))
			} else if errMsg := dispatch.ExtractLastErrorMessage(logTail); errMsg != "" {
				a.Gate.ObserveRunnerError(errMsg)
			}
		}
		if err := a.Store.AddDispatchRun(context.Background(), record); err != nil {
			log.Warnf("record dispatch result: %v", err)
		}
	}()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
