// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package runner

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/pitchai/service-monitor/pkg/checks/synthetic"
	"github.com/pitchai/service-monitor/pkg/probe/browser"
	"github.com/pitchai/service-monitor/pkg/registry"
	log "github.com/pitchai/service-monitor/pkg/util/log"
)

// Config tunes one runner process.
type Config struct {
	// Concurrency is the claim batch size and the number of runs
	// executed in parallel.
	Concurrency int

	// ArtifactsRoot is the local directory runs write under, laid out
	// as {root}/{tenant}/{test}/{run}/.
	ArtifactsRoot string

	// SourcesRoot holds uploaded test sources; defaults to
	// {ArtifactsRoot}/_sources (the registry's layout).
	SourcesRoot string

	// PollInterval is the idle wait between claim attempts.
	PollInterval time.Duration

	// Interpreters overrides the argv prefix per code kind. Used by
	// tests and by deployments with nonstandard interpreter paths.
	Interpreters map[string][]string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.ArtifactsRoot == "" {
		c.ArtifactsRoot = "artifacts"
	}
	if c.SourcesRoot == "" {
		c.SourcesRoot = filepath.Join(c.ArtifactsRoot, "_sources")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	return c
}

// RegistryAPI is the slice of the registry the worker needs.
type RegistryAPI interface {
	Claim(ctx context.Context, max int) ([]registry.ClaimedRun, error)
	Complete(ctx context.Context, runID string, req registry.CompleteRequest) error
}

// Browsers is the managed-browser seam (satisfied by browser.Manager).
type Browsers interface {
	Ensure(ctx context.Context) browser.Browser
	State() browser.LaunchState
	Close()
}

// Worker is the runner loop: ensure a healthy browser, claim, execute,
// complete.
type Worker struct {
	cfg      Config
	api      RegistryAPI
	browsers Browsers
	clk      clock.Clock
}

// NewWorker wires a worker.
func NewWorker(cfg Config, api RegistryAPI, browsers Browsers, clk clock.Clock) *Worker {
	if clk == nil {
		clk = clock.New()
	}
	return &Worker{cfg: cfg.withDefaults(), api: api, browsers: browsers, clk: clk}
}

// Run loops until the context is cancelled. While the browser is
// unhealthy no jobs are claimed; launch retries back off exponentially
// up to two minutes.
func (w *Worker) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0 // retry forever
	bo.Reset()

	defer w.browsers.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b := w.browsers.Ensure(ctx)
		if b == nil {
			st := w.browsers.State()
			log.Warnf("browser unhealthy (launch failures=%d): %s", st.FailCount, st.LastError)
			if !w.sleep(ctx, bo.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}
		bo.Reset()

		claims, err := w.api.Claim(ctx, w.cfg.Concurrency)
		if err != nil {
			log.Errorf("claim failed: %v", err)
			if !w.sleep(ctx, w.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if len(claims) == 0 {
			if !w.sleep(ctx, w.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		var wg sync.WaitGroup
		for _, claim := range claims {
			wg.Add(1)
			go func(c registry.ClaimedRun) {
				defer wg.Done()
				w.RunOne(ctx, b, c)
			}(claim)
		}
		wg.Wait()
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := w.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// RunOne executes a single claimed run end to end and reports the
// outcome. Exported for the worker loop and for driving single runs in
// tests.
func (w *Worker) RunOne(ctx context.Context, b browser.Browser, claim registry.ClaimedRun) {
	runDir := filepath.Join(w.cfg.ArtifactsRoot, claim.TenantID, claim.TestID, claim.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		log.Errorf("run %s: artifacts dir: %v", claim.RunID, err)
	}

	startedAt := float64(w.clk.Now().UnixNano()) / 1e9
	var req registry.CompleteRequest
	switch claim.Kind {
	case registry.KindStepflow:
		req = w.runStepflow(ctx, b, claim, runDir)
	case registry.KindPlaywrightPython, registry.KindPuppeteerJS:
		req = w.runChild(ctx, claim, filepath.Join(w.cfg.SourcesRoot, claim.SourceRelPath), runDir)
	default:
		req = registry.CompleteRequest{
			Status:    registry.StatusInfraDegraded,
			ErrorKind: "unknown_kind",
		}
	}
	finishedAt := float64(w.clk.Now().UnixNano()) / 1e9
	req.StartedAt = &startedAt
	req.FinishedAt = &finishedAt
	req.Artifacts = mergeArtifacts(req.Artifacts, runDir)

	if err := w.api.Complete(ctx, claim.RunID, req); err != nil {
		log.Errorf("complete run %s failed: %v", claim.RunID, err)
	}
}

var stepErrorRE = regexp.MustCompile(`^step\[\d+\] ([a-z_]+):`)

// runStepflow interprets a declarative definition over a fresh browser
// context, reusing the transaction engine.
func (w *Worker) runStepflow(ctx context.Context, b browser.Browser, claim registry.ClaimedRun, runDir string) registry.CompleteRequest {
	var tx synthetic.Transaction
	if err := json.Unmarshal([]byte(claim.DefinitionJSON), &tx); err != nil {
		return registry.CompleteRequest{
			Status:       registry.StatusInfraDegraded,
			ErrorKind:    "bad_definition",
			ErrorMessage: err.Error(),
		}
	}

	timeout := time.Duration(claim.TimeoutSeconds) * time.Second
	results := synthetic.Run(ctx, b, hostOf(claim.BaseURL), claim.BaseURL,
		[]synthetic.Transaction{tx}, synthetic.Options{Timeout: timeout, ArtifactsDir: runDir})
	if len(results) == 0 {
		return registry.CompleteRequest{
			Status:    registry.StatusInfraDegraded,
			ErrorKind: "empty_definition",
		}
	}
	res := results[0]

	req := registry.CompleteRequest{ElapsedMS: &res.ElapsedMS}
	if finalURL, ok := res.Details["final_url"].(string); ok {
		req.FinalURL = finalURL
	}
	if title, ok := res.Details["title"].(string); ok {
		req.Title = title
	}

	switch {
	case res.BrowserInfraError:
		req.Status = registry.StatusInfraDegraded
		req.ErrorKind = "browser_infra"
		req.ErrorMessage = res.Error
	case !res.OK:
		req.Status = registry.StatusFail
		req.ErrorKind = stepErrorKind(res.Error)
		req.ErrorMessage = res.Error
	default:
		req.Status = registry.StatusPass
		if claim.ExpectedFinalHostSuffix != "" && !hostMatchesSuffix(req.FinalURL, claim.ExpectedFinalHostSuffix) {
			req.Status = registry.StatusFail
			req.ErrorKind = "final_host_mismatch"
			req.ErrorMessage = "final url " + req.FinalURL + " does not match expected suffix " + claim.ExpectedFinalHostSuffix
		}
	}
	return req
}

func stepErrorKind(errText string) string {
	if m := stepErrorRE.FindStringSubmatch(errText); m != nil {
		return "step_" + m[1]
	}
	return "step_failed"
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Hostname()
	}
	return rawURL
}

func hostMatchesSuffix(rawURL, suffix string) bool {
	host := strings.ToLower(hostOf(rawURL))
	suffix = strings.ToLower(strings.TrimSpace(suffix))
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}

// mergeArtifacts unions the reported artifact names with whatever the
// run actually left in its directory.
func mergeArtifacts(reported []string, runDir string) []string {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return reported
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return appendUnique(reported, names...)
}
