// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pitchai/service-monitor/pkg/registry"
)

// ResultLinePrefix marks the single JSON line a child test process must
// emit on stdout with its outcome.
const ResultLinePrefix = "E2E_RESULT_JSON="

// ChildResult is the payload after the prefix.
type ChildResult struct {
	Status            string   `json:"status"`
	ElapsedMS         *float64 `json:"elapsed_ms,omitempty"`
	ErrorKind         string   `json:"error_kind,omitempty"`
	ErrorMessage      string   `json:"error_message,omitempty"`
	FinalURL          string   `json:"final_url,omitempty"`
	Title             string   `json:"title,omitempty"`
	Artifacts         []string `json:"artifacts,omitempty"`
	BrowserInfraError bool     `json:"browser_infra_error,omitempty"`
}

// defaultInterpreters maps code kinds to the argv prefix their source
// file is appended to.
var defaultInterpreters = map[string][]string{
	registry.KindPlaywrightPython: {"python3"},
	registry.KindPuppeteerJS:      {"node"},
}

// ParseChildResultLine scans child stdout for the result line and
// decodes it. The last occurrence wins.
func ParseChildResultLine(output string) (ChildResult, bool) {
	var res ChildResult
	found := false
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, ResultLinePrefix) {
			continue
		}
		var parsed ChildResult
		if err := json.Unmarshal([]byte(line[len(ResultLinePrefix):]), &parsed); err != nil {
			continue
		}
		res = parsed
		found = true
	}
	return res, found
}

// runChild executes a code-based test in a child process and converts
// its outcome. A child that exceeds the timeout is killed and the run
// reported as infra_degraded with error_kind "timeout". Sources are
// never executed in-process.
func (w *Worker) runChild(ctx context.Context, claim registry.ClaimedRun, sourcePath, runDir string) registry.CompleteRequest {
	argv := w.cfg.Interpreters[claim.Kind]
	if len(argv) == 0 {
		argv = defaultInterpreters[claim.Kind]
	}
	if len(argv) == 0 {
		return registry.CompleteRequest{
			Status:       registry.StatusInfraDegraded,
			ErrorKind:    "no_interpreter",
			ErrorMessage: "no interpreter configured for kind " + claim.Kind,
		}
	}

	timeout := time.Duration(claim.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := w.clk.Now()
	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], sourcePath)...) //nolint:gosec
	cmd.Dir = runDir
	cmd.Env = append(os.Environ(),
		"E2E_BASE_URL="+claim.BaseURL,
		"E2E_ARTIFACTS_DIR="+runDir,
		"E2E_TIMEOUT_SECONDS="+strconv.Itoa(claim.TimeoutSeconds),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := float64(w.clk.Now().Sub(started)) / float64(time.Millisecond)

	if ctx.Err() == context.DeadlineExceeded {
		req := registry.CompleteRequest{
			Status:       registry.StatusInfraDegraded,
			ErrorKind:    "timeout",
			ErrorMessage: errors.Errorf("child exceeded %s", timeout).Error(),
			ElapsedMS:    &elapsed,
		}
		req.Artifacts = writeRunLog(runDir, req, stderr.String())
		return req
	}

	if res, ok := ParseChildResultLine(stdout.String()); ok {
		req := registry.CompleteRequest{
			Status:       res.Status,
			ElapsedMS:    res.ElapsedMS,
			ErrorKind:    res.ErrorKind,
			ErrorMessage: res.ErrorMessage,
			FinalURL:     res.FinalURL,
			Title:        res.Title,
			Artifacts:    res.Artifacts,
		}
		if res.BrowserInfraError {
			req.Status = registry.StatusInfraDegraded
			if req.ErrorKind == "" {
				req.ErrorKind = "browser_infra"
			}
		}
		if req.ElapsedMS == nil {
			req.ElapsedMS = &elapsed
		}
		if req.Status != registry.StatusPass {
			req.Artifacts = appendUnique(req.Artifacts, writeRunLog(runDir, req, stderr.String())...)
		}
		return req
	}

	// No result line: the child crashed or never followed the protocol.
	req := registry.CompleteRequest{
		Status:    registry.StatusInfraDegraded,
		ErrorKind: "no_result_line",
		ElapsedMS: &elapsed,
	}
	if runErr != nil {
		req.ErrorMessage = truncate(runErr.Error()+": "+lastLines(stderr.String(), 5), 1000)
	} else {
		req.ErrorMessage = "child exited without emitting " + ResultLinePrefix
	}
	req.Artifacts = writeRunLog(runDir, req, stderr.String())
	return req
}

// writeRunLog drops a run.log JSON artifact next to the other run
// outputs and returns the artifact names written.
func writeRunLog(runDir string, req registry.CompleteRequest, stderrTail string) []string {
	payload := map[string]interface{}{
		"status":        req.Status,
		"error_kind":    req.ErrorKind,
		"error_message": req.ErrorMessage,
	}
	if stderrTail != "" {
		payload["traceback"] = truncate(stderrTail, 20_000)
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil
	}
	if err := os.WriteFile(filepath.Join(runDir, "run.log"), raw, 0o644); err != nil {
		return nil
	}
	return []string{"run.log"}
}

func appendUnique(list []string, extra ...string) []string {
	for _, item := range extra {
		dup := false
		for _, existing := range list {
			if existing == item {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, item)
		}
	}
	return list
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
