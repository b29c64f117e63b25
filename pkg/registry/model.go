// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package registry implements the external end-to-end test registry: a
// multi-tenant store of browser tests, the runner lease protocol, the
// HTTP API and the server-rendered UI.
package registry

// Test kinds accepted by the registry. Stepflow tests are declarative
// step lists executed in-process by the runner; the code kinds carry an
// uploaded source file that the runner executes in a child process.
const (
	KindStepflow         = "stepflow"
	KindPlaywrightPython = "playwright_python"
	KindPuppeteerJS      = "puppeteer_js"
)

// Run statuses. A run starts as infra_degraded/pending at claim time so
// a crashed runner leaves an honest record behind.
const (
	StatusPass          = "pass"
	StatusFail          = "fail"
	StatusInfraDegraded = "infra_degraded"
)

// Tenant is an isolated namespace of tests, runs and artifacts.
type Tenant struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	CreatedAt float64 `json:"created_at_ts"`
}

// APIKey authenticates a tenant. Only the sha256 of the raw token is
// stored; the raw token is returned exactly once at creation.
type APIKey struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	Name      string  `json:"name"`
	TokenHash string  `json:"-"`
	CreatedAt float64 `json:"created_at_ts"`
}

// Test is one registered end-to-end check.
type Test struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	BaseURL  string `json:"base_url"`

	// DefinitionJSON holds the normalized stepflow definition; empty
	// for code kinds.
	DefinitionJSON string `json:"definition_json,omitempty"`

	// Source pointer for uploaded code kinds.
	SourceRelPath string `json:"source_relpath,omitempty"`
	SourceSHA256  string `json:"source_sha256,omitempty"`

	IntervalSeconds int `json:"interval_seconds"`
	JitterSeconds   int `json:"jitter_seconds"`
	TimeoutSeconds  int `json:"timeout_seconds"`

	Enabled        bool     `json:"enabled"`
	DisabledReason string   `json:"disabled_reason,omitempty"`
	DisabledUntil  *float64 `json:"disabled_until_ts,omitempty"`

	DownAfter int `json:"down_after"`
	UpAfter   int `json:"up_after"`

	DispatchOnFailure       bool   `json:"dispatch_on_failure"`
	ExpectedFinalHostSuffix string `json:"expected_final_host_suffix,omitempty"`

	CreatedAt float64 `json:"created_at_ts"`
	UpdatedAt float64 `json:"updated_at_ts"`
}

// TestState is the scheduler and debounce record for one test.
type TestState struct {
	TestID        string   `json:"test_id"`
	EffectiveOK   bool     `json:"effective_ok"`
	FailStreak    int      `json:"fail_streak"`
	SuccessStreak int      `json:"success_streak"`
	LastOKTS      *float64 `json:"last_ok_ts,omitempty"`
	LastFailTS    *float64 `json:"last_fail_ts,omitempty"`
	LastInfraTS   *float64 `json:"last_infra_ts,omitempty"`
	LastChangeTS  *float64 `json:"last_change_ts,omitempty"`
	NextDueTS     *float64 `json:"next_due_ts,omitempty"`

	RunningLockID   string   `json:"running_lock_id,omitempty"`
	RunningLockedAt *float64 `json:"running_locked_at_ts,omitempty"`
}

// Run is one execution of a test.
type Run struct {
	ID       string `json:"id"`
	TestID   string `json:"test_id"`
	TenantID string `json:"tenant_id"`

	Status       string   `json:"status"`
	ErrorKind    string   `json:"error_kind,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	FinalURL     string   `json:"final_url,omitempty"`
	Title        string   `json:"title,omitempty"`
	ElapsedMS    *float64 `json:"elapsed_ms,omitempty"`
	Artifacts    []string `json:"artifacts,omitempty"`

	StartedAt  *float64 `json:"started_at_ts,omitempty"`
	FinishedAt *float64 `json:"finished_at_ts,omitempty"`
	CreatedAt  float64  `json:"created_at_ts"`
}

// DispatchRun records one escalation of a failed run to the dispatcher.
type DispatchRun struct {
	ID           string  `json:"id"`
	RunID        string  `json:"run_id"`
	TestID       string  `json:"test_id"`
	TenantID     string  `json:"tenant_id"`
	TS           float64 `json:"ts"`
	Bundle       string  `json:"bundle"`
	Runner       string  `json:"runner"`
	Status       string  `json:"status"`
	AgentMessage string  `json:"agent_message,omitempty"`
}

// ClaimedRun is the descriptor handed to a runner for one leased run.
type ClaimedRun struct {
	RunID    string `json:"run_id"`
	TestID   string `json:"test_id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	BaseURL  string `json:"base_url"`

	DefinitionJSON string `json:"definition_json,omitempty"`
	SourceRelPath  string `json:"source_relpath,omitempty"`
	SourceSHA256   string `json:"source_sha256,omitempty"`

	TimeoutSeconds          int    `json:"timeout_seconds"`
	ExpectedFinalHostSuffix string `json:"expected_final_host_suffix,omitempty"`
}

// CompleteRequest is the final outcome a runner reports for a run.
type CompleteRequest struct {
	Status       string   `json:"status"`
	ElapsedMS    *float64 `json:"elapsed_ms,omitempty"`
	ErrorKind    string   `json:"error_kind,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	FinalURL     string   `json:"final_url,omitempty"`
	Title        string   `json:"title,omitempty"`
	Artifacts    []string `json:"artifacts,omitempty"`
	StartedAt    *float64 `json:"started_at_ts,omitempty"`
	FinishedAt   *float64 `json:"finished_at_ts,omitempty"`
}

// CompleteResult reports what the completion transaction decided so the
// caller can run the post-commit alert path.
type CompleteResult struct {
	Found        bool
	Test         Test
	State        TestState
	AlertedDown  bool
	RecoveredUp  bool
	DownDuration float64
}

// TestSummary is one row of the status summary.
type TestSummary struct {
	TestID      string   `json:"test_id"`
	TenantID    string   `json:"tenant_id"`
	TenantName  string   `json:"tenant_name"`
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Enabled     bool     `json:"enabled"`
	EffectiveOK bool     `json:"effective_ok"`
	FailStreak  int      `json:"fail_streak"`
	LastOKTS    *float64 `json:"last_ok_ts,omitempty"`
	LastFailTS  *float64 `json:"last_fail_ts,omitempty"`
	NextDueTS   *float64 `json:"next_due_ts,omitempty"`
	LastStatus  string   `json:"last_status,omitempty"`
}

// ValidKind reports whether kind is one of the accepted test kinds.
func ValidKind(kind string) bool {
	switch kind {
	case KindStepflow, KindPlaywrightPython, KindPuppeteerJS:
		return true
	}
	return false
}

// ValidStatus reports whether status is one of the accepted run
// statuses a runner may complete with.
func ValidStatus(status string) bool {
	switch status {
	case StatusPass, StatusFail, StatusInfraDegraded:
		return true
	}
	return false
}
