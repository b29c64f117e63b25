// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchai/service-monitor/pkg/registry"
)

func TestParseChildResultLine(t *testing.T) {
	res, ok := ParseChildResultLine(`some noise
E2E_RESULT_JSON={"status":"pass","elapsed_ms":120.5,"final_url":"https://shop.acme.net/done"}
trailing noise`)
	require.True(t, ok)
	assert.Equal(t, "pass", res.Status)
	require.NotNil(t, res.ElapsedMS)
	assert.Equal(t, 120.5, *res.ElapsedMS)
	assert.Equal(t, "https://shop.acme.net/done", res.FinalURL)

	// Last occurrence wins.
	res, ok = ParseChildResultLine(
		"E2E_RESULT_JSON={\"status\":\"fail\"}\nE2E_RESULT_JSON={\"status\":\"pass\"}\n")
	require.True(t, ok)
	assert.Equal(t, "pass", res.Status)

	// Malformed payloads are skipped, not fatal.
	res, ok = ParseChildResultLine(
		"E2E_RESULT_JSON={not json}\nE2E_RESULT_JSON={\"status\":\"fail\",\"error_kind\":\"assertion\"}\n")
	require.True(t, ok)
	assert.Equal(t, "fail", res.Status)
	assert.Equal(t, "assertion", res.ErrorKind)

	_, ok = ParseChildResultLine("nothing relevant here\n")
	assert.False(t, ok)
}

// shellWorker returns a worker whose "interpreter" is the shell, so
// child behavior can be scripted without python or node installed.
func shellWorker(t *testing.T) *Worker {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	return NewWorker(Config{
		ArtifactsRoot: t.TempDir(),
		Interpreters: map[string][]string{
			registry.KindPlaywrightPython: {"/bin/sh"},
		},
	}, nil, nil, nil)
}

func writeScript(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "test.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func childClaim(timeoutSeconds int) registry.ClaimedRun {
	return registry.ClaimedRun{
		RunID:          "run-1",
		TestID:         "test-1",
		TenantID:       "tenant-1",
		Kind:           registry.KindPlaywrightPython,
		BaseURL:        "https://shop.acme.net",
		TimeoutSeconds: timeoutSeconds,
	}
}

func TestRunChildPass(t *testing.T) {
	w := shellWorker(t)
	script := writeScript(t, `echo 'E2E_RESULT_JSON={"status":"pass","elapsed_ms":42,"final_url":"'"$E2E_BASE_URL"'/home","title":"Home"}'`)
	runDir := t.TempDir()

	req := w.runChild(context.Background(), childClaim(30), script, runDir)
	assert.Equal(t, registry.StatusPass, req.Status)
	assert.Equal(t, "https://shop.acme.net/home", req.FinalURL)
	assert.Equal(t, "Home", req.Title)
	require.NotNil(t, req.ElapsedMS)
	assert.Equal(t, 42.0, *req.ElapsedMS)
}

func TestRunChildFailWritesRunLog(t *testing.T) {
	w := shellWorker(t)
	script := writeScript(t, `echo "boom traceback" >&2
echo 'E2E_RESULT_JSON={"status":"fail","error_kind":"assertion","error_message":"cart empty"}'`)
	runDir := t.TempDir()

	req := w.runChild(context.Background(), childClaim(30), script, runDir)
	assert.Equal(t, registry.StatusFail, req.Status)
	assert.Equal(t, "assertion", req.ErrorKind)
	assert.Contains(t, req.Artifacts, "run.log")

	raw, err := os.ReadFile(filepath.Join(runDir, "run.log"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "cart empty")
	assert.Contains(t, string(raw), "boom traceback")
}

func TestRunChildBrowserInfraFlag(t *testing.T) {
	w := shellWorker(t)
	script := writeScript(t, `echo 'E2E_RESULT_JSON={"status":"fail","browser_infra_error":true,"error_message":"browser closed"}'`)

	req := w.runChild(context.Background(), childClaim(30), script, t.TempDir())
	assert.Equal(t, registry.StatusInfraDegraded, req.Status)
	assert.Equal(t, "browser_infra", req.ErrorKind)
}

func TestRunChildNoResultLine(t *testing.T) {
	w := shellWorker(t)
	script := writeScript(t, `echo "import error" >&2
exit 3`)
	runDir := t.TempDir()

	req := w.runChild(context.Background(), childClaim(30), script, runDir)
	assert.Equal(t, registry.StatusInfraDegraded, req.Status)
	assert.Equal(t, "no_result_line", req.ErrorKind)
	assert.Contains(t, req.ErrorMessage, "exit status 3")
	assert.Contains(t, req.ErrorMessage, "import error")
	assert.Contains(t, req.Artifacts, "run.log")
}

func TestRunChildTimeoutKillsProcess(t *testing.T) {
	w := shellWorker(t)
	script := writeScript(t, `sleep 30`)

	req := w.runChild(context.Background(), childClaim(1), script, t.TempDir())
	assert.Equal(t, registry.StatusInfraDegraded, req.Status)
	assert.Equal(t, "timeout", req.ErrorKind)
}

func TestRunChildEnvironment(t *testing.T) {
	w := shellWorker(t)
	script := writeScript(t, `echo 'E2E_RESULT_JSON={"status":"fail","error_message":"'"$E2E_ARTIFACTS_DIR|$E2E_TIMEOUT_SECONDS"'"}'`)
	runDir := t.TempDir()

	req := w.runChild(context.Background(), childClaim(45), script, runDir)
	assert.Equal(t, runDir+"|45", req.ErrorMessage)
}

func TestRunChildNoInterpreter(t *testing.T) {
	w := NewWorker(Config{ArtifactsRoot: t.TempDir(), Interpreters: map[string][]string{}}, nil, nil, nil)
	claim := childClaim(30)
	claim.Kind = "cypress_ts"

	req := w.runChild(context.Background(), claim, "ignored", t.TempDir())
	assert.Equal(t, registry.StatusInfraDegraded, req.Status)
	assert.Equal(t, "no_interpreter", req.ErrorKind)
}
