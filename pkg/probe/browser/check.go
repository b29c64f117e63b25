// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pitchai/service-monitor/pkg/probe"
)

// CheckOutcome is the browser-layer verdict for one domain.
type CheckOutcome struct {
	OK        bool
	ElapsedMS float64
	// InfraError marks driver/browser infrastructure failures that
	// should degrade the cycle instead of flagging the domain.
	InfraError bool
	Details    map[string]interface{}
}

// Check loads the page in a fresh tab and applies the spec's
// title, selector and text expectations.
func Check(ctx context.Context, b Browser, spec probe.Spec) CheckOutcome {
	spec = spec.Normalized()
	started := time.Now()
	outcome := func(ok bool, details map[string]interface{}) CheckOutcome {
		return CheckOutcome{
			OK:        ok,
			ElapsedMS: float64(time.Since(started)) / float64(time.Millisecond),
			Details:   details,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, spec.BrowserTimeout)
	defer cancel()

	page, err := b.NewPage(ctx, 1280, 720)
	if err != nil {
		out := outcome(false, map[string]interface{}{"error": fmt.Sprintf("browser_page_error: %v", err)})
		out.InfraError = probe.IsBrowserInfraError(err)
		return out
	}
	defer page.Close()

	status, err := page.Navigate(ctx, spec.URL)
	if err != nil {
		out := outcome(false, map[string]interface{}{"error": fmt.Sprintf("browser_goto_error: %v", err)})
		out.InfraError = probe.IsBrowserInfraError(err)
		return out
	}

	title, err := page.Title(ctx)
	if err != nil {
		out := outcome(false, map[string]interface{}{"error": fmt.Sprintf("browser_eval_error: %v", err)})
		out.InfraError = probe.IsBrowserInfraError(err)
		return out
	}
	titleOK := true
	if spec.ExpectedTitleContains != "" {
		titleOK = strings.Contains(strings.ToLower(title), strings.ToLower(spec.ExpectedTitleContains))
	}

	rawBody, err := page.BodyInnerText(ctx)
	if err != nil {
		out := outcome(false, map[string]interface{}{"error": fmt.Sprintf("browser_eval_error: %v", err)})
		out.InfraError = probe.IsBrowserInfraError(err)
		return out
	}
	bodyText := probe.NormalizeText(rawBody)

	var forbiddenHits []string
	for _, kw := range spec.ForbiddenTextAny {
		if kw != "" && strings.Contains(bodyText, strings.ToLower(kw)) {
			forbiddenHits = append(forbiddenHits, kw)
		}
	}

	missingAll := waitForAllSelectors(ctx, page, spec.RequiredSelectorsAll)

	anyOK := true
	anyCandidates := make([]string, 0, len(spec.RequiredSelectorsAny))
	for _, c := range spec.RequiredSelectorsAny {
		anyCandidates = append(anyCandidates, c.Selector)
	}
	if len(spec.RequiredSelectorsAny) > 0 {
		anyOK = waitForAnySelector(ctx, page, spec.RequiredSelectorsAny)
	}

	var missingText []string
	for _, t := range spec.RequiredTextAll {
		if !strings.Contains(bodyText, probe.NormalizeText(t)) {
			missingText = append(missingText, t)
		}
	}

	finalURL, _ := page.URL(ctx)

	statusOK := status == nil || (*status >= 200 && *status < 400)
	ok := statusOK && titleOK && len(forbiddenHits) == 0 && len(missingAll) == 0 && anyOK && len(missingText) == 0

	return outcome(ok, map[string]interface{}{
		"final_url":              probe.SafeURL(finalURL),
		"http_status":            status,
		"title":                  title,
		"title_ok":               titleOK,
		"forbidden_hits":         forbiddenHits,
		"missing_selectors_all":  missingAll,
		"required_any_selectors": anyCandidates,
		"required_any_ok":        anyOK,
		"missing_text":           missingText,
	})
}

// waitForAllSelectors runs every wait concurrently under the shared
// deadline, so several slow selectors cost one timeout rather than one
// each. Returns the selectors that never reached their state, in the
// configured order.
func waitForAllSelectors(ctx context.Context, page Page, checks []probe.SelectorCheck) []string {
	if len(checks) == 0 {
		return nil
	}
	missed := make([]bool, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, c probe.SelectorCheck) {
			defer wg.Done()
			if err := page.WaitForSelector(ctx, c.Selector, string(c.State)); err != nil {
				missed[i] = true
			}
		}(i, check)
	}
	wg.Wait()

	var missing []string
	for i, m := range missed {
		if m {
			missing = append(missing, checks[i].Selector)
		}
	}
	return missing
}

// waitForAnySelector races the candidates under the shared deadline and
// succeeds as soon as one of them reaches its state.
func waitForAnySelector(ctx context.Context, page Page, checks []probe.SelectorCheck) bool {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan struct{}, len(checks))
	done := make(chan struct{}, len(checks))
	for _, check := range checks {
		go func(c probe.SelectorCheck) {
			defer func() { done <- struct{}{} }()
			if err := page.WaitForSelector(raceCtx, c.Selector, string(c.State)); err == nil {
				found <- struct{}{}
			}
		}(check)
	}

	finished := 0
	for {
		select {
		case <-found:
			return true
		case <-done:
			finished++
			if finished == len(checks) {
				select {
				case <-found:
					return true
				default:
					return false
				}
			}
		case <-ctx.Done():
			return false
		}
	}
}
