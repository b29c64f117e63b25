// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package webvitals measures Core Web Vitals (LCP, CLS, an INP
// approximation) plus navigation timings through injected
// PerformanceObserver scripts.
package webvitals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pitchai/service-monitor/pkg/probe"
	"github.com/pitchai/service-monitor/pkg/probe/browser"
)

// Metrics are the values collected from the page. Nil means the
// browser produced no entry for that metric.
type Metrics struct {
	LCPMS              *float64 `json:"lcp_ms"`
	CLS                *float64 `json:"cls"`
	INPMS              *float64 `json:"inp_ms"`
	TTFBMS             *float64 `json:"ttfb_ms"`
	FCPMS              *float64 `json:"fcp_ms"`
	DOMContentLoadedMS *float64 `json:"dom_content_loaded_ms"`
	LoadMS             *float64 `json:"load_ms"`
	Errors             []string `json:"errors,omitempty"`
}

// Result is one vitals measurement.
type Result struct {
	Domain            string   `json:"domain"`
	OK                bool     `json:"ok"`
	Metrics           *Metrics `json:"metrics,omitempty"`
	Error             string   `json:"error,omitempty"`
	ElapsedMS         float64  `json:"elapsed_ms"`
	BrowserInfraError bool     `json:"browser_infra_error"`
}

// Thresholds are the alerting caps; nil disables a cap.
type Thresholds struct {
	LCPMaxMS *float64 `yaml:"lcp_max_ms"`
	CLSMax   *float64 `yaml:"cls_max"`
	INPMaxMS *float64 `yaml:"inp_max_ms"`
}

// initScript installs the observers before any document script runs.
// INP is approximated as the max Event Timing duration across
// interactionId-backed events.
const initScript = `
(() => {
  try {
    window.__pitchaiVitals = { lcp: null, cls: 0, inpMax: null, errors: [] };

    try {
      const lcpObs = new PerformanceObserver((list) => {
        const entries = list.getEntries();
        const last = entries && entries.length ? entries[entries.length - 1] : null;
        if (last && typeof last.startTime === 'number') {
          window.__pitchaiVitals.lcp = last.startTime;
        }
      });
      lcpObs.observe({ type: 'largest-contentful-paint', buffered: true });
      window.__pitchaiVitals.__lcpObs = lcpObs;
    } catch (e) {
      window.__pitchaiVitals.errors.push('lcp:' + (e && e.message ? e.message : String(e)));
    }

    try {
      const clsObs = new PerformanceObserver((list) => {
        for (const entry of list.getEntries()) {
          if (!entry || entry.hadRecentInput) continue;
          const v = entry.value;
          if (typeof v === 'number') window.__pitchaiVitals.cls += v;
        }
      });
      clsObs.observe({ type: 'layout-shift', buffered: true });
      window.__pitchaiVitals.__clsObs = clsObs;
    } catch (e) {
      window.__pitchaiVitals.errors.push('cls:' + (e && e.message ? e.message : String(e)));
    }

    try {
      const evtObs = new PerformanceObserver((list) => {
        for (const entry of list.getEntries()) {
          if (!entry) continue;
          const iid = entry.interactionId || 0;
          if (!iid) continue;
          const d = entry.duration;
          if (typeof d !== 'number') continue;
          const prev = window.__pitchaiVitals.inpMax || 0;
          if (d > prev) window.__pitchaiVitals.inpMax = d;
        }
      });
      evtObs.observe({ type: 'event', buffered: true, durationThreshold: 0 });
      window.__pitchaiVitals.__evtObs = evtObs;
    } catch (e) {
      window.__pitchaiVitals.errors.push('inp:' + (e && e.message ? e.message : String(e)));
    }

    window.__pitchaiVitalsStop = () => {
      try { window.__pitchaiVitals.__lcpObs && window.__pitchaiVitals.__lcpObs.disconnect(); } catch (e) {}
      try { window.__pitchaiVitals.__clsObs && window.__pitchaiVitals.__clsObs.disconnect(); } catch (e) {}
      try { window.__pitchaiVitals.__evtObs && window.__pitchaiVitals.__evtObs.disconnect(); } catch (e) {}
    };
  } catch (e) {}
})();
`

const collectScript = `
(() => {
  const v = window.__pitchaiVitals || {};
  const nav = performance.getEntriesByType('navigation')[0];
  const fcp = performance.getEntriesByName('first-contentful-paint')[0];
  return {
    lcp_ms: (typeof v.lcp === 'number' ? v.lcp : null),
    cls: (typeof v.cls === 'number' ? v.cls : null),
    inp_ms: (typeof v.inpMax === 'number' ? v.inpMax : null),
    ttfb_ms: (nav && typeof nav.responseStart === 'number' ? nav.responseStart : null),
    fcp_ms: (fcp && typeof fcp.startTime === 'number' ? fcp.startTime : null),
    dom_content_loaded_ms: (nav && typeof nav.domContentLoadedEventEnd === 'number' ? nav.domContentLoadedEventEnd : null),
    load_ms: (nav && typeof nav.loadEventEnd === 'number' ? nav.loadEventEnd : null),
    errors: (Array.isArray(v.errors) ? v.errors.slice(0, 10) : []),
  };
})()
`

// Options tunes a measurement.
type Options struct {
	Timeout      time.Duration
	PostLoadWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 45 * time.Second
	}
	if o.PostLoadWait < 0 {
		o.PostLoadWait = 0
	} else if o.PostLoadWait == 0 {
		o.PostLoadWait = 4500 * time.Millisecond
	}
	return o
}

// Measure loads the page in a fresh 1440x900 tab, waits for the page
// to settle, clicks once to surface Event Timing entries, and reads
// the collected vitals back.
func Measure(ctx context.Context, b browser.Browser, domain, url string, opts Options) Result {
	opts = opts.withDefaults()
	cleaned := strings.ToLower(strings.TrimSpace(domain))
	started := time.Now()
	fail := func(err error) Result {
		return Result{
			Domain:            cleaned,
			Error:             err.Error(),
			ElapsedMS:         float64(time.Since(started)) / float64(time.Millisecond),
			BrowserInfraError: probe.IsBrowserInfraError(err),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	page, err := b.NewPage(ctx, 1440, 900)
	if err != nil {
		return fail(fmt.Errorf("page_open_error: %w", err))
	}
	defer page.Close()

	if err := page.AddInitScript(ctx, initScript); err != nil {
		return fail(fmt.Errorf("init_script_error: %w", err))
	}
	if _, err := page.Navigate(ctx, url); err != nil {
		return fail(fmt.Errorf("goto_error: %w", err))
	}

	select {
	case <-time.After(opts.PostLoadWait):
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	// A single click surfaces some Event Timing entries for the INP
	// approximation; failures here are not interesting.
	_ = page.Click(ctx, "body")
	_ = page.Evaluate(ctx, `window.__pitchaiVitalsStop && window.__pitchaiVitalsStop()`, nil)

	var metrics Metrics
	if err := page.Evaluate(ctx, collectScript, &metrics); err != nil {
		return fail(fmt.Errorf("collect_error: %w", err))
	}

	return Result{
		Domain:    cleaned,
		OK:        true,
		Metrics:   &metrics,
		ElapsedMS: float64(time.Since(started)) / float64(time.Millisecond),
	}
}

// Violations evaluates a measurement against the caps. A failed
// measurement yields no violations; availability alerting covers it.
func Violations(res Result, th Thresholds) []string {
	if !res.OK || res.Metrics == nil {
		return nil
	}
	m := res.Metrics
	var out []string
	if th.LCPMaxMS != nil && m.LCPMS != nil && *m.LCPMS > *th.LCPMaxMS {
		out = append(out, fmt.Sprintf("lcp>%.0fms (got %.0fms)", *th.LCPMaxMS, *m.LCPMS))
	}
	if th.CLSMax != nil && m.CLS != nil && *m.CLS > *th.CLSMax {
		out = append(out, fmt.Sprintf("cls>%.3f (got %.3f)", *th.CLSMax, *m.CLS))
	}
	if th.INPMaxMS != nil && m.INPMS != nil && *m.INPMS > *th.INPMaxMS {
		out = append(out, fmt.Sprintf("inp>%.0fms (got %.0fms)", *th.INPMaxMS, *m.INPMS))
	}
	return out
}
