// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/pitchai/service-monitor/pkg/alert"
)

const (
	defaultTestInterval = 300
	defaultTestJitter   = 30
	defaultTestTimeout  = 60

	maxRunsPageSize        = 500
	maxDispatchRunsKept    = 200
	quarantineReasonPrefix = "base_url_no_longer_allowed"
)

// Store is the sqlite-backed registry database. All writes go through
// immediate transactions; the connection pool is capped at one writer.
type Store struct {
	db          *sql.DB
	clk         clock.Clock
	lockTimeout time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

// migrations are applied in order at open; schema_meta records how far
// this database has come.
var migrations = []string{
	// v1: base tables.
	`
CREATE TABLE tenants (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	created_at_ts REAL NOT NULL
);
CREATE TABLE api_keys (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL REFERENCES tenants(id),
	name          TEXT NOT NULL,
	token_sha256  TEXT NOT NULL UNIQUE,
	created_at_ts REAL NOT NULL
);
CREATE TABLE tests (
	id                         TEXT PRIMARY KEY,
	tenant_id                  TEXT NOT NULL REFERENCES tenants(id),
	name                       TEXT NOT NULL,
	base_url                   TEXT NOT NULL,
	definition_json            TEXT NOT NULL DEFAULT '',
	interval_seconds           INTEGER NOT NULL,
	jitter_seconds             INTEGER NOT NULL,
	timeout_seconds            INTEGER NOT NULL,
	enabled                    INTEGER NOT NULL DEFAULT 1,
	disabled_reason            TEXT NOT NULL DEFAULT '',
	disabled_until_ts          REAL,
	down_after                 INTEGER NOT NULL DEFAULT 1,
	up_after                   INTEGER NOT NULL DEFAULT 1,
	dispatch_on_failure        INTEGER NOT NULL DEFAULT 0,
	expected_final_host_suffix TEXT NOT NULL DEFAULT '',
	created_at_ts              REAL NOT NULL,
	updated_at_ts              REAL NOT NULL
);
CREATE TABLE test_state (
	test_id              TEXT PRIMARY KEY REFERENCES tests(id),
	effective_ok         INTEGER NOT NULL DEFAULT 1,
	fail_streak          INTEGER NOT NULL DEFAULT 0,
	success_streak       INTEGER NOT NULL DEFAULT 0,
	last_ok_ts           REAL,
	last_fail_ts         REAL,
	last_infra_ts        REAL,
	last_change_ts       REAL,
	next_due_ts          REAL,
	running_lock_id      TEXT,
	running_locked_at_ts REAL
);
CREATE TABLE runs (
	id             TEXT PRIMARY KEY,
	test_id        TEXT NOT NULL REFERENCES tests(id),
	tenant_id      TEXT NOT NULL REFERENCES tenants(id),
	status         TEXT NOT NULL,
	error_kind     TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	final_url      TEXT NOT NULL DEFAULT '',
	title          TEXT NOT NULL DEFAULT '',
	elapsed_ms     REAL,
	artifacts_json TEXT NOT NULL DEFAULT '[]',
	started_at_ts  REAL,
	finished_at_ts REAL,
	created_at_ts  REAL NOT NULL
);
CREATE INDEX idx_tests_tenant ON tests(tenant_id);
CREATE INDEX idx_runs_test ON runs(test_id, created_at_ts DESC);
`,
	// v2: uploaded code tests carry a kind and a source pointer.
	`
ALTER TABLE tests ADD COLUMN test_kind TEXT NOT NULL DEFAULT 'stepflow';
ALTER TABLE tests ADD COLUMN source_relpath TEXT NOT NULL DEFAULT '';
ALTER TABLE tests ADD COLUMN source_sha256 TEXT NOT NULL DEFAULT '';
`,
	// v3: dispatcher escalations per run.
	`
CREATE TABLE dispatch_runs (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	test_id       TEXT NOT NULL,
	tenant_id     TEXT NOT NULL,
	ts            REAL NOT NULL,
	bundle        TEXT NOT NULL DEFAULT '',
	runner        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT '',
	agent_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_dispatch_runs_ts ON dispatch_runs(ts);
`,
}

// OpenStore opens (and migrates) the registry database. The DSN forces
// WAL and immediate transactions so every write starts with the write
// lock held rather than upgrading mid-transaction.
func OpenStore(path string, lockTimeout time.Duration, clk clock.Clock) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open registry db")
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:          db,
		clk:         clk,
		lockTimeout: lockTimeout,
		rng:         rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) now() float64 {
	return float64(s.clk.Now().UnixNano()) / 1e9
}

func (s *Store) jitter(max int) float64 {
	if max <= 0 {
		return 0
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() * float64(max)
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`); err != nil {
		return errors.Wrap(err, "create schema_meta")
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta`).Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_meta (version) VALUES (0)`); err != nil {
			return errors.Wrap(err, "seed schema_meta")
		}
		version = 0
	} else if err != nil {
		return errors.Wrap(err, "read schema version")
	}

	for v := version; v < len(migrations); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range splitStatements(migrations[v]) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return errors.Wrapf(err, "migration to v%d", v+1)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET version = ?`, v+1); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// SchemaVersion reports the applied migration level.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta`).Scan(&v)
	return v, err
}

// CreateTenant registers a new tenant namespace.
func (s *Store) CreateTenant(ctx context.Context, name string) (Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tenant{}, errors.New("tenant_name_required")
	}
	t := Tenant{ID: uuid.NewString(), Name: name, CreatedAt: s.now()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, created_at_ts) VALUES (?, ?, ?)`,
		t.ID, t.Name, t.CreatedAt)
	if err != nil {
		return Tenant{}, errors.Wrap(err, "create tenant")
	}
	return t, nil
}

// CreateAPIKey mints a key for a tenant. The raw token is returned to
// the caller exactly once; the database keeps only its hash.
func (s *Store) CreateAPIKey(ctx context.Context, tenantID, name string) (APIKey, string, error) {
	raw, err := NewRawToken()
	if err != nil {
		return APIKey{}, "", err
	}
	key := APIKey{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      strings.TrimSpace(name),
		TokenHash: HashToken(raw),
		CreatedAt: s.now(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, token_sha256, created_at_ts) VALUES (?, ?, ?, ?, ?)`,
		key.ID, key.TenantID, key.Name, key.TokenHash, key.CreatedAt)
	if err != nil {
		return APIKey{}, "", errors.Wrap(err, "create api key")
	}
	return key, raw, nil
}

// GetTenant loads one tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (Tenant, bool, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at_ts FROM tenants WHERE id = ?`, id).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return Tenant{}, false, nil
	}
	if err != nil {
		return Tenant{}, false, err
	}
	return t, true, nil
}

// TenantForTokenHash resolves a sha256 token hash to its tenant. Used
// for both bearer auth (after hashing) and the UI cookie.
func (s *Store) TenantForTokenHash(ctx context.Context, hash string) (Tenant, bool, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx, `
SELECT t.id, t.name, t.created_at_ts
FROM api_keys k JOIN tenants t ON t.id = k.tenant_id
WHERE k.token_sha256 = ?`, hash).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return Tenant{}, false, nil
	}
	if err != nil {
		return Tenant{}, false, err
	}
	return t, true, nil
}

// CreateTest inserts a test with defaults filled in and seeds its
// scheduler state due immediately.
func (s *Store) CreateTest(ctx context.Context, t Test) (Test, error) {
	now := s.now()
	t.ID = uuid.NewString()
	t.Name = strings.TrimSpace(t.Name)
	if t.Kind == "" {
		t.Kind = KindStepflow
	}
	if t.IntervalSeconds <= 0 {
		t.IntervalSeconds = defaultTestInterval
	}
	if t.JitterSeconds <= 0 {
		t.JitterSeconds = defaultTestJitter
	}
	if t.TimeoutSeconds <= 0 {
		t.TimeoutSeconds = defaultTestTimeout
	}
	if t.DownAfter <= 0 {
		t.DownAfter = 1
	}
	if t.UpAfter <= 0 {
		t.UpAfter = 1
	}
	t.Enabled = true
	t.CreatedAt = now
	t.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Test{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO tests (id, tenant_id, name, test_kind, base_url, definition_json,
	source_relpath, source_sha256, interval_seconds, jitter_seconds, timeout_seconds,
	enabled, disabled_reason, disabled_until_ts, down_after, up_after,
	dispatch_on_failure, expected_final_host_suffix, created_at_ts, updated_at_ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, '', NULL, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.Name, t.Kind, t.BaseURL, t.DefinitionJSON,
		t.SourceRelPath, t.SourceSHA256, t.IntervalSeconds, t.JitterSeconds, t.TimeoutSeconds,
		t.DownAfter, t.UpAfter, boolInt(t.DispatchOnFailure), t.ExpectedFinalHostSuffix,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return Test{}, errors.Wrap(err, "create test")
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO test_state (test_id, effective_ok, next_due_ts) VALUES (?, 1, ?)`, t.ID, now)
	if err != nil {
		return Test{}, errors.Wrap(err, "seed test state")
	}
	if err := tx.Commit(); err != nil {
		return Test{}, err
	}
	return t, nil
}

const testColumns = `
id, tenant_id, name, test_kind, base_url, definition_json,
source_relpath, source_sha256, interval_seconds, jitter_seconds, timeout_seconds,
enabled, disabled_reason, disabled_until_ts, down_after, up_after,
dispatch_on_failure, expected_final_host_suffix, created_at_ts, updated_at_ts`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTest(row rowScanner) (Test, error) {
	var t Test
	var enabled, dispatch int
	var until sql.NullFloat64
	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.Kind, &t.BaseURL, &t.DefinitionJSON,
		&t.SourceRelPath, &t.SourceSHA256, &t.IntervalSeconds, &t.JitterSeconds, &t.TimeoutSeconds,
		&enabled, &t.DisabledReason, &until, &t.DownAfter, &t.UpAfter,
		&dispatch, &t.ExpectedFinalHostSuffix, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Test{}, err
	}
	t.Enabled = enabled != 0
	t.DispatchOnFailure = dispatch != 0
	if until.Valid {
		t.DisabledUntil = &until.Float64
	}
	return t, nil
}

// GetTest loads one test scoped to a tenant. Cross-tenant IDs behave as
// not found.
func (s *Store) GetTest(ctx context.Context, tenantID, id string) (Test, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+testColumns+` FROM tests WHERE id = ? AND tenant_id = ?`, id, tenantID)
	t, err := scanTest(row)
	if err == sql.ErrNoRows {
		return Test{}, false, nil
	}
	if err != nil {
		return Test{}, false, err
	}
	return t, true, nil
}

// ListTests returns a tenant's tests ordered by creation.
func (s *Store) ListTests(ctx context.Context, tenantID string) ([]Test, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+testColumns+` FROM tests WHERE tenant_id = ? ORDER BY created_at_ts ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TestPatch is a partial update; nil fields are left untouched.
type TestPatch struct {
	Name                    *string `json:"name,omitempty"`
	BaseURL                 *string `json:"base_url,omitempty"`
	DefinitionJSON          *string `json:"-"`
	IntervalSeconds         *int    `json:"interval_seconds,omitempty"`
	JitterSeconds           *int    `json:"jitter_seconds,omitempty"`
	TimeoutSeconds          *int    `json:"timeout_seconds,omitempty"`
	DownAfter               *int    `json:"down_after,omitempty"`
	UpAfter                 *int    `json:"up_after,omitempty"`
	DispatchOnFailure       *bool   `json:"dispatch_on_failure,omitempty"`
	ExpectedFinalHostSuffix *string `json:"expected_final_host_suffix,omitempty"`
}

// UpdateTest applies a partial update and returns the fresh row.
func (s *Store) UpdateTest(ctx context.Context, tenantID, id string, patch TestPatch) (Test, bool, error) {
	sets := []string{"updated_at_ts = ?"}
	args := []interface{}{s.now()}
	add := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Name != nil {
		add("name", strings.TrimSpace(*patch.Name))
	}
	if patch.BaseURL != nil {
		add("base_url", *patch.BaseURL)
	}
	if patch.DefinitionJSON != nil {
		add("definition_json", *patch.DefinitionJSON)
	}
	if patch.IntervalSeconds != nil {
		add("interval_seconds", *patch.IntervalSeconds)
	}
	if patch.JitterSeconds != nil {
		add("jitter_seconds", *patch.JitterSeconds)
	}
	if patch.TimeoutSeconds != nil {
		add("timeout_seconds", *patch.TimeoutSeconds)
	}
	if patch.DownAfter != nil {
		add("down_after", *patch.DownAfter)
	}
	if patch.UpAfter != nil {
		add("up_after", *patch.UpAfter)
	}
	if patch.DispatchOnFailure != nil {
		add("dispatch_on_failure", boolInt(*patch.DispatchOnFailure))
	}
	if patch.ExpectedFinalHostSuffix != nil {
		add("expected_final_host_suffix", *patch.ExpectedFinalHostSuffix)
	}

	args = append(args, id, tenantID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tests SET `+strings.Join(sets, ", ")+` WHERE id = ? AND tenant_id = ?`, args...)
	if err != nil {
		return Test{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Test{}, false, nil
	}
	return s.mustGetTest(ctx, tenantID, id)
}

func (s *Store) mustGetTest(ctx context.Context, tenantID, id string) (Test, bool, error) {
	t, ok, err := s.GetTest(ctx, tenantID, id)
	if err != nil || !ok {
		return Test{}, ok, err
	}
	return t, true, nil
}

// SetDisabled records a disable request. A future `until` keeps the
// test enabled but pushes it past the scheduler until the deadline; no
// deadline (or a past one) hard-disables it.
func (s *Store) SetDisabled(ctx context.Context, tenantID, id, reason string, until *float64) (Test, bool, error) {
	now := s.now()
	var res sql.Result
	var err error
	if until != nil && *until > now {
		res, err = s.db.ExecContext(ctx, `
UPDATE tests SET disabled_reason = ?, disabled_until_ts = ?, updated_at_ts = ?
WHERE id = ? AND tenant_id = ?`, reason, *until, now, id, tenantID)
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE tests SET enabled = 0, disabled_reason = ?, disabled_until_ts = NULL, updated_at_ts = ?
WHERE id = ? AND tenant_id = ?`, reason, now, id, tenantID)
	}
	if err != nil {
		return Test{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Test{}, false, nil
	}
	return s.mustGetTest(ctx, tenantID, id)
}

// Enable clears any disabled state.
func (s *Store) Enable(ctx context.Context, tenantID, id string) (Test, bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE tests SET enabled = 1, disabled_reason = '', disabled_until_ts = NULL, updated_at_ts = ?
WHERE id = ? AND tenant_id = ?`, s.now(), id, tenantID)
	if err != nil {
		return Test{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Test{}, false, nil
	}
	return s.mustGetTest(ctx, tenantID, id)
}

// RunNow makes the test due immediately.
func (s *Store) RunNow(ctx context.Context, tenantID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE test_state SET next_due_ts = ?
WHERE test_id IN (SELECT id FROM tests WHERE id = ? AND tenant_id = ?)`,
		s.now(), id, tenantID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const runColumns = `
id, test_id, tenant_id, status, error_kind, error_message, final_url, title,
elapsed_ms, artifacts_json, started_at_ts, finished_at_ts, created_at_ts`

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var elapsed, started, finished sql.NullFloat64
	var artifacts string
	err := row.Scan(&r.ID, &r.TestID, &r.TenantID, &r.Status, &r.ErrorKind, &r.ErrorMessage,
		&r.FinalURL, &r.Title, &elapsed, &artifacts, &started, &finished, &r.CreatedAt)
	if err != nil {
		return Run{}, err
	}
	if elapsed.Valid {
		r.ElapsedMS = &elapsed.Float64
	}
	if started.Valid {
		r.StartedAt = &started.Float64
	}
	if finished.Valid {
		r.FinishedAt = &finished.Float64
	}
	if artifacts != "" {
		json.Unmarshal([]byte(artifacts), &r.Artifacts) //nolint:errcheck
	}
	return r, nil
}

// ListRuns returns the latest runs of a tenant's test, newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID, testID string, limit int) ([]Run, error) {
	if limit <= 0 || limit > maxRunsPageSize {
		limit = maxRunsPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runColumns+` FROM runs
WHERE test_id = ? AND tenant_id = ?
ORDER BY created_at_ts DESC LIMIT ?`, testID, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun loads one run scoped to a tenant.
func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (Run, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ? AND tenant_id = ?`, runID, tenantID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return r, true, nil
}

// Claim leases up to maxRuns due tests for a runner. Stale locks past
// the lock timeout are reclaimed. Each lease allocates the run id up
// front and records a pending infra_degraded run so a crashed runner
// leaves a truthful trail.
func (s *Store) Claim(ctx context.Context, maxRuns int) ([]ClaimedRun, error) {
	if maxRuns <= 0 {
		return nil, nil
	}
	now := s.now()
	staleBefore := now - s.lockTimeout.Seconds()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT t.id, t.tenant_id, t.name, t.test_kind, t.base_url, t.definition_json,
	t.source_relpath, t.source_sha256, t.timeout_seconds, t.expected_final_host_suffix
FROM tests t JOIN test_state s ON s.test_id = t.id
WHERE t.enabled = 1
  AND (t.disabled_until_ts IS NULL OR t.disabled_until_ts <= ?)
  AND (s.next_due_ts IS NULL OR s.next_due_ts <= ?)
  AND (s.running_lock_id IS NULL OR s.running_locked_at_ts < ?)
ORDER BY s.next_due_ts ASC, t.created_at_ts ASC
LIMIT ?`, now, now, staleBefore, maxRuns)
	if err != nil {
		return nil, err
	}

	var claims []ClaimedRun
	for rows.Next() {
		var c ClaimedRun
		if err := rows.Scan(&c.TestID, &c.TenantID, &c.Name, &c.Kind, &c.BaseURL,
			&c.DefinitionJSON, &c.SourceRelPath, &c.SourceSHA256,
			&c.TimeoutSeconds, &c.ExpectedFinalHostSuffix); err != nil {
			rows.Close()
			return nil, err
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range claims {
		claims[i].RunID = uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
UPDATE test_state SET running_lock_id = ?, running_locked_at_ts = ? WHERE test_id = ?`,
			claims[i].RunID, now, claims[i].TestID); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO runs (id, test_id, tenant_id, status, error_kind, created_at_ts)
VALUES (?, ?, ?, 'infra_degraded', 'pending', ?)`,
			claims[i].RunID, claims[i].TestID, claims[i].TenantID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claims, nil
}

// Complete finalizes a leased run: overwrite the run row, release the
// lock, reschedule, and fold the outcome through the debounce machine.
// Idempotent per run id: only the first completion of a still-leased
// pending run touches state; retries overwrite the run row and nothing
// else. An unknown run id is a benign no-op (stale lease completed
// after reclaim). The whole operation is one transaction; alerting
// happens post-commit from the returned transition.
func (s *Store) Complete(ctx context.Context, runID string, req CompleteRequest) (CompleteResult, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CompleteResult{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT t.id, t.tenant_id, t.name, t.test_kind, t.base_url, t.interval_seconds, t.jitter_seconds,
	t.down_after, t.up_after, t.dispatch_on_failure,
	st.effective_ok, st.fail_streak, st.success_streak, st.last_change_ts,
	st.running_lock_id, r.status, r.error_kind
FROM runs r
JOIN tests t ON t.id = r.test_id
JOIN test_state st ON st.test_id = t.id
WHERE r.id = ?`, runID)

	var test Test
	var effectiveOK, dispatchOnFailure int
	var failStreak, successStreak int
	var lastChange sql.NullFloat64
	var runningLockID sql.NullString
	var runStatus, runErrorKind string
	err = row.Scan(&test.ID, &test.TenantID, &test.Name, &test.Kind, &test.BaseURL,
		&test.IntervalSeconds, &test.JitterSeconds, &test.DownAfter, &test.UpAfter,
		&dispatchOnFailure, &effectiveOK, &failStreak, &successStreak, &lastChange,
		&runningLockID, &runStatus, &runErrorKind)
	if err == sql.ErrNoRows {
		return CompleteResult{Found: false}, nil
	}
	if err != nil {
		return CompleteResult{}, err
	}
	test.DispatchOnFailure = dispatchOnFailure != 0

	// The state fold below runs exactly once per run: only while the
	// run row is still the claim placeholder and this run still holds
	// the lease. A retried completion, or a completion arriving after
	// the stale-lock reclaim handed the test to a new run, is a pure
	// run-row overwrite: no debounce, no reschedule, no lock release.
	pending := runStatus == StatusInfraDegraded && runErrorKind == "pending"
	holdsLease := runningLockID.Valid && runningLockID.String == runID

	artifacts := "[]"
	if len(req.Artifacts) > 0 {
		if raw, err := json.Marshal(req.Artifacts); err == nil {
			artifacts = string(raw)
		}
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE runs SET status = ?, error_kind = ?, error_message = ?, final_url = ?, title = ?,
	elapsed_ms = ?, artifacts_json = ?, started_at_ts = ?, finished_at_ts = ?
WHERE id = ?`,
		req.Status, req.ErrorKind, req.ErrorMessage, req.FinalURL, req.Title,
		nullFloat(req.ElapsedMS), artifacts, nullFloat(req.StartedAt), nullFloat(req.FinishedAt),
		runID); err != nil {
		return CompleteResult{}, err
	}

	result := CompleteResult{Found: true, Test: test}
	if !pending || !holdsLease {
		if err := tx.Commit(); err != nil {
			return CompleteResult{}, err
		}
		return result, nil
	}

	nextDue := now + float64(test.IntervalSeconds) + s.jitter(test.JitterSeconds)

	if req.Status == StatusInfraDegraded {
		// Infrastructure noise never moves the effective state.
		if _, err := tx.ExecContext(ctx, `
UPDATE test_state SET running_lock_id = NULL, running_locked_at_ts = NULL,
	next_due_ts = ?, last_infra_ts = ?
WHERE test_id = ?`, nextDue, now, test.ID); err != nil {
			return CompleteResult{}, err
		}
	} else {
		observedOK := req.Status == StatusPass
		prev := alert.State{EffectiveOK: effectiveOK != 0, FailStreak: failStreak, SuccessStreak: successStreak}
		tr := alert.Update(prev, observedOK, test.DownAfter, test.UpAfter)

		result.AlertedDown = tr.AlertedDown
		result.RecoveredUp = tr.RecoveredUp

		changeTS := lastChange
		if tr.AlertedDown || tr.RecoveredUp {
			if tr.RecoveredUp && lastChange.Valid {
				result.DownDuration = now - lastChange.Float64
			}
			changeTS = sql.NullFloat64{Float64: now, Valid: true}
		}

		okCol := "last_fail_ts"
		if observedOK {
			okCol = "last_ok_ts"
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE test_state SET running_lock_id = NULL, running_locked_at_ts = NULL,
	next_due_ts = ?, effective_ok = ?, fail_streak = ?, success_streak = ?,
	last_change_ts = ?, `+okCol+` = ?
WHERE test_id = ?`,
			nextDue, boolInt(tr.State.EffectiveOK), tr.State.FailStreak, tr.State.SuccessStreak,
			changeTS, now, test.ID); err != nil {
			return CompleteResult{}, err
		}

		result.State = TestState{
			TestID:        test.ID,
			EffectiveOK:   tr.State.EffectiveOK,
			FailStreak:    tr.State.FailStreak,
			SuccessStreak: tr.State.SuccessStreak,
		}
	}

	if err := tx.Commit(); err != nil {
		return CompleteResult{}, err
	}
	return result, nil
}

// Summary builds the status rows. Empty tenantID means all tenants
// (admin and monitor scopes).
func (s *Store) Summary(ctx context.Context, tenantID string) ([]TestSummary, error) {
	query := `
SELECT t.id, t.tenant_id, tn.name, t.name, t.test_kind, t.enabled,
	st.effective_ok, st.fail_streak, st.last_ok_ts, st.last_fail_ts, st.next_due_ts,
	COALESCE((SELECT status FROM runs r WHERE r.test_id = t.id ORDER BY r.created_at_ts DESC LIMIT 1), '')
FROM tests t
JOIN tenants tn ON tn.id = t.tenant_id
JOIN test_state st ON st.test_id = t.id`
	args := []interface{}{}
	if tenantID != "" {
		query += ` WHERE t.tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY tn.name ASC, t.name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TestSummary
	for rows.Next() {
		var row TestSummary
		var enabled, ok int
		var lastOK, lastFail, nextDue sql.NullFloat64
		if err := rows.Scan(&row.TestID, &row.TenantID, &row.TenantName, &row.Name, &row.Kind,
			&enabled, &ok, &row.FailStreak, &lastOK, &lastFail, &nextDue, &row.LastStatus); err != nil {
			return nil, err
		}
		row.Enabled = enabled != 0
		row.EffectiveOK = ok != 0
		if lastOK.Valid {
			row.LastOKTS = &lastOK.Float64
		}
		if lastFail.Valid {
			row.LastFailTS = &lastFail.Float64
		}
		if nextDue.Valid {
			row.NextDueTS = &nextDue.Float64
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SeriesPoint is one run condensed for dashboards.
type SeriesPoint struct {
	TS        float64  `json:"ts"`
	Status    string   `json:"status"`
	ElapsedMS *float64 `json:"elapsed_ms,omitempty"`
}

// RecentSeries returns the latest runs of a test as a compact series,
// oldest first.
func (s *Store) RecentSeries(ctx context.Context, tenantID, testID string, limit int) ([]SeriesPoint, error) {
	runs, err := s.ListRuns(ctx, tenantID, testID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]SeriesPoint, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, SeriesPoint{TS: runs[i].CreatedAt, Status: runs[i].Status, ElapsedMS: runs[i].ElapsedMS})
	}
	return out, nil
}

// AddDispatchRun appends an escalation record, keeping the log bounded.
func (s *Store) AddDispatchRun(ctx context.Context, d DispatchRun) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.TS == 0 {
		d.TS = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO dispatch_runs (id, run_id, test_id, tenant_id, ts, bundle, runner, status, agent_message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RunID, d.TestID, d.TenantID, d.TS, d.Bundle, d.Runner, d.Status, d.AgentMessage); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM dispatch_runs WHERE id NOT IN (
	SELECT id FROM dispatch_runs ORDER BY ts DESC LIMIT ?)`, maxDispatchRunsKept); err != nil {
		return err
	}
	return tx.Commit()
}

// ListDispatchRuns returns recent escalations, newest first. Empty
// tenantID means all tenants.
func (s *Store) ListDispatchRuns(ctx context.Context, tenantID string, limit int) ([]DispatchRun, error) {
	if limit <= 0 || limit > maxDispatchRunsKept {
		limit = maxDispatchRunsKept
	}
	query := `SELECT id, run_id, test_id, tenant_id, ts, bundle, runner, status, agent_message FROM dispatch_runs`
	args := []interface{}{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DispatchRun
	for rows.Next() {
		var d DispatchRun
		if err := rows.Scan(&d.ID, &d.RunID, &d.TestID, &d.TenantID, &d.TS,
			&d.Bundle, &d.Runner, &d.Status, &d.AgentMessage); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// QuarantineDisallowed disables every enabled test whose base_url no
// longer passes the policy, recording why. Returns the affected tests.
func (s *Store) QuarantineDisallowed(ctx context.Context, policy BaseURLPolicy) ([]Test, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+testColumns+` FROM tests WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	var candidates []Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if !policy.HostAllowed(t.BaseURL) {
			candidates = append(candidates, t)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := s.now()
	var out []Test
	for _, t := range candidates {
		reason := fmt.Sprintf("%s: %s", quarantineReasonPrefix, t.BaseURL)
		if _, err := s.db.ExecContext(ctx, `
UPDATE tests SET enabled = 0, disabled_reason = ?, disabled_until_ts = NULL, updated_at_ts = ?
WHERE id = ? AND enabled = 1`, reason, now, t.ID); err != nil {
			return out, err
		}
		t.Enabled = false
		t.DisabledReason = reason
		out = append(out, t)
	}
	return out, nil
}

// TestStateFor loads the scheduler state of one test.
func (s *Store) TestStateFor(ctx context.Context, testID string) (TestState, bool, error) {
	var st TestState
	var ok int
	var lastOK, lastFail, lastInfra, lastChange, nextDue, lockedAt sql.NullFloat64
	var lockID sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT test_id, effective_ok, fail_streak, success_streak, last_ok_ts, last_fail_ts,
	last_infra_ts, last_change_ts, next_due_ts, running_lock_id, running_locked_at_ts
FROM test_state WHERE test_id = ?`, testID).Scan(
		&st.TestID, &ok, &st.FailStreak, &st.SuccessStreak, &lastOK, &lastFail,
		&lastInfra, &lastChange, &nextDue, &lockID, &lockedAt)
	if err == sql.ErrNoRows {
		return TestState{}, false, nil
	}
	if err != nil {
		return TestState{}, false, err
	}
	st.EffectiveOK = ok != 0
	if lastOK.Valid {
		st.LastOKTS = &lastOK.Float64
	}
	if lastFail.Valid {
		st.LastFailTS = &lastFail.Float64
	}
	if lastInfra.Valid {
		st.LastInfraTS = &lastInfra.Float64
	}
	if lastChange.Valid {
		st.LastChangeTS = &lastChange.Float64
	}
	if nextDue.Valid {
		st.NextDueTS = &nextDue.Float64
	}
	if lockID.Valid {
		st.RunningLockID = lockID.String
	}
	if lockedAt.Valid {
		st.RunningLockedAt = &lockedAt.Float64
	}
	return st, true, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
