// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package synthetic drives multi-step transactions (login, checkout,
// search) through a browser page and reports per-transaction results.
package synthetic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pitchai/service-monitor/pkg/probe"
	"github.com/pitchai/service-monitor/pkg/probe/browser"
)

const maxStepsPerTransaction = 60

// Step is one declarative action in a transaction.
type Step struct {
	Type     string `yaml:"type" json:"type"`
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
	Selector string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Text     string `yaml:"text,omitempty" json:"text,omitempty"`
	Value    string `yaml:"value,omitempty" json:"value,omitempty"`
	Key      string `yaml:"key,omitempty" json:"key,omitempty"`
	State    string `yaml:"state,omitempty" json:"state,omitempty"`
	Count    *int   `yaml:"count,omitempty" json:"count,omitempty"`
	Width    int    `yaml:"width,omitempty" json:"width,omitempty"`
	Height   int    `yaml:"height,omitempty" json:"height,omitempty"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	MS       *int   `yaml:"ms,omitempty" json:"ms,omitempty"`
}

// Transaction is a named step list from the domain config.
type Transaction struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Result is one executed transaction.
type Result struct {
	Domain            string                 `json:"domain"`
	Name              string                 `json:"name"`
	OK                bool                   `json:"ok"`
	ElapsedMS         float64                `json:"elapsed_ms"`
	Error             string                 `json:"error,omitempty"`
	Details           map[string]interface{} `json:"details,omitempty"`
	BrowserInfraError bool                   `json:"browser_infra_error"`
}

var envRefRE = regexp.MustCompile(`\$\{([A-Z0-9_]{1,64})\}`)

// SubstituteEnvRefs replaces ${VAR} placeholders with the environment
// value. Secrets stay in the environment rather than in configs; a
// placeholder without a matching variable is an error.
func SubstituteEnvRefs(text string) (string, error) {
	if !strings.Contains(text, "${") {
		return text, nil
	}
	missing := map[string]struct{}{}
	out := envRefRE.ReplaceAllStringFunc(text, func(m string) string {
		key := envRefRE.FindStringSubmatch(m)[1]
		val, ok := os.LookupEnv(key)
		if !ok {
			missing[key] = struct{}{}
			return ""
		}
		return val
	})
	if len(missing) > 0 {
		keys := make([]string, 0, len(missing))
		for k := range missing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "", errors.Errorf("missing_env_secrets: %v", keys)
	}
	return out, nil
}

// Options tunes transaction execution.
type Options struct {
	Timeout      time.Duration
	ArtifactsDir string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 35 * time.Second
	}
	return o
}

// Run executes the transactions for one domain, one fresh 1280x720 tab
// each. One failing step fails its transaction; later transactions
// still run.
func Run(ctx context.Context, b browser.Browser, domain, baseURL string, transactions []Transaction, opts Options) []Result {
	opts = opts.withDefaults()
	cleaned := strings.ToLower(strings.TrimSpace(domain))
	base := strings.TrimSpace(baseURL)

	var out []Result
	for _, tx := range transactions {
		if len(tx.Steps) == 0 {
			continue
		}
		out = append(out, runOne(ctx, b, cleaned, base, tx, opts))
	}
	return out
}

func runOne(ctx context.Context, b browser.Browser, domain, base string, tx Transaction, opts Options) Result {
	name := strings.TrimSpace(tx.Name)
	if name == "" {
		name = "transaction"
	}
	if len(name) > 120 {
		name = name[:120]
	}

	started := time.Now()
	res := Result{Domain: domain, Name: name, Details: map[string]interface{}{}}
	finish := func() Result {
		res.ElapsedMS = float64(time.Since(started)) / float64(time.Millisecond)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	page, err := b.NewPage(ctx, 1280, 720)
	if err != nil {
		res.Error = fmt.Sprintf("page_open_error: %v", err)
		res.BrowserInfraError = probe.IsBrowserInfraError(err)
		return finish()
	}
	defer page.Close()

	steps := tx.Steps
	if len(steps) > maxStepsPerTransaction {
		steps = steps[:maxStepsPerTransaction]
	}
	for i, step := range steps {
		if err := execStep(ctx, page, base, step, opts, res.Details); err != nil {
			res.Error = fmt.Sprintf("step[%d] %s: %v", i, strings.ToLower(strings.TrimSpace(step.Type)), err)
			res.BrowserInfraError = probe.IsBrowserInfraError(err)
			captureFailureArtifacts(ctx, page, res, opts)
			return finish()
		}
	}

	res.OK = true
	if finalURL, err := page.URL(ctx); err == nil {
		res.Details["final_url"] = probe.SafeURL(finalURL)
	}
	return finish()
}

func execStep(ctx context.Context, page browser.Page, base string, step Step, opts Options, details map[string]interface{}) error {
	typ := strings.ToLower(strings.TrimSpace(step.Type))
	switch typ {
	case "":
		return errors.New("missing step type")

	case "goto":
		target := strings.TrimSpace(step.URL)
		if target == "" {
			target = base
		}
		if strings.HasPrefix(target, "/") {
			target = strings.TrimRight(base, "/") + target
		}
		target, err := SubstituteEnvRefs(target)
		if err != nil {
			return err
		}
		if _, err := url.Parse(target); err != nil {
			return errors.Wrap(err, "invalid url")
		}
		_, err = page.Navigate(ctx, target)
		return err

	case "click":
		if step.Selector == "" {
			return errors.New("click requires selector")
		}
		return page.Click(ctx, step.Selector)

	case "fill":
		if step.Selector == "" {
			return errors.New("fill requires selector")
		}
		text, err := SubstituteEnvRefs(step.Text)
		if err != nil {
			return err
		}
		return page.Fill(ctx, step.Selector, text)

	case "press":
		key := strings.TrimSpace(step.Key)
		if key == "" {
			key = "Enter"
		}
		return page.Press(ctx, step.Selector, key)

	case "wait_for_selector":
		if step.Selector == "" {
			return errors.New("wait_for_selector requires selector")
		}
		state := strings.TrimSpace(step.State)
		if state == "" {
			state = string(probe.StateVisible)
		}
		return page.WaitForSelector(ctx, step.Selector, state)

	case "expect_url_contains":
		want := strings.TrimSpace(step.Value)
		if want == "" {
			return errors.New("expect_url_contains requires value")
		}
		current, err := page.URL(ctx)
		if err != nil {
			return err
		}
		if !strings.Contains(current, want) {
			return errors.Errorf("url_missing_substring: %q not in %q", want, current)
		}
		return nil

	case "expect_text":
		want := strings.TrimSpace(step.Text)
		if want == "" {
			return errors.New("expect_text requires text")
		}
		body, err := page.BodyInnerText(ctx)
		if err != nil {
			return err
		}
		if !strings.Contains(strings.ToLower(body), strings.ToLower(want)) {
			return errors.Errorf("text_missing: %q", want)
		}
		return nil

	case "expect_title_contains":
		want := strings.TrimSpace(step.Text)
		if want == "" {
			want = strings.TrimSpace(step.Value)
		}
		if want == "" {
			return errors.New("expect_title_contains requires text/value")
		}
		title, err := page.Title(ctx)
		if err != nil {
			return err
		}
		if !strings.Contains(strings.ToLower(title), strings.ToLower(want)) {
			return errors.Errorf("title_missing_substring: %q not in %q", want, title)
		}
		return nil

	case "expect_selector_count":
		if step.Selector == "" {
			return errors.New("expect_selector_count requires selector")
		}
		if step.Count == nil {
			return errors.New("expect_selector_count requires integer count")
		}
		got, err := page.SelectorCount(ctx, step.Selector)
		if err != nil {
			return err
		}
		if got != *step.Count {
			return errors.Errorf("selector_count_mismatch: selector=%q got=%d expected=%d", step.Selector, got, *step.Count)
		}
		return nil

	case "set_viewport":
		if step.Width <= 0 || step.Height <= 0 {
			return errors.New("set_viewport requires width,height ints")
		}
		return page.SetViewport(ctx, step.Width, step.Height)

	case "screenshot":
		if opts.ArtifactsDir == "" {
			return nil
		}
		nm := sanitizeArtifactName(step.Name)
		buf, err := page.Screenshot(ctx)
		if err != nil {
			return nil
		}
		filename := nm + ".png"
		if writeArtifact(filepath.Join(opts.ArtifactsDir, filename), buf) {
			details["screenshot_"+nm] = filename
		}
		return nil

	case "sleep", "sleep_ms":
		ms := 250
		if step.MS != nil {
			ms = *step.MS
		}
		if ms < 0 {
			ms = 0
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	default:
		return errors.Errorf("unknown step type %q", typ)
	}
}

func sanitizeArtifactName(raw string) string {
	var b strings.Builder
	for _, ch := range strings.TrimSpace(raw) {
		if b.Len() >= 60 {
			break
		}
		if ch == '-' || ch == '_' ||
			(ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
		}
	}
	if b.Len() == 0 {
		return "screenshot"
	}
	return b.String()
}

func writeArtifact(path string, content []byte) bool {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false
	}
	return os.WriteFile(path, content, 0o644) == nil
}

// captureFailureArtifacts saves a screenshot and a small run log so a
// red transaction can be triaged without replaying it.
func captureFailureArtifacts(ctx context.Context, page browser.Page, res Result, opts Options) {
	if finalURL, err := page.URL(ctx); err == nil {
		res.Details["final_url"] = probe.SafeURL(finalURL)
	}
	if title, err := page.Title(ctx); err == nil && title != "" {
		res.Details["title"] = title
	}
	if opts.ArtifactsDir == "" {
		return
	}

	if buf, err := page.Screenshot(ctx); err == nil {
		if writeArtifact(filepath.Join(opts.ArtifactsDir, "failure.png"), buf) {
			res.Details["failure_screenshot"] = "failure.png"
		}
	}

	logPayload := map[string]interface{}{
		"error":               res.Error,
		"final_url":           res.Details["final_url"],
		"title":               res.Details["title"],
		"browser_infra_error": res.BrowserInfraError,
	}
	if raw, err := json.MarshalIndent(logPayload, "", "  "); err == nil {
		if len(raw) > 50_000 {
			raw = raw[:50_000]
		}
		if writeArtifact(filepath.Join(opts.ArtifactsDir, "run.log"), raw) {
			res.Details["run_log"] = "run.log"
		}
	}
}
