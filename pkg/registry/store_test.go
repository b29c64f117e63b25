// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	s, err := OpenStore(filepath.Join(t.TempDir(), "registry.db"), 15*time.Minute, mock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mock
}

func mustTenant(t *testing.T, s *Store, name string) Tenant {
	t.Helper()
	tenant, err := s.CreateTenant(context.Background(), name)
	require.NoError(t, err)
	return tenant
}

func mustTest(t *testing.T, s *Store, tenantID string, mutate func(*Test)) Test {
	t.Helper()
	spec := Test{
		TenantID:       tenantID,
		Name:           "checkout",
		BaseURL:        "https://shop.acme.net",
		DefinitionJSON: `{"name":"checkout","steps":[{"type":"goto"}]}`,
	}
	if mutate != nil {
		mutate(&spec)
	}
	created, err := s.CreateTest(context.Background(), spec)
	require.NoError(t, err)
	return created
}

func TestMigrationsApplyInOrder(t *testing.T) {
	s, _ := newTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestAPIKeyRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, s, "acme")

	key, raw, err := s.CreateAPIKey(ctx, tenant.ID, "ci")
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	assert.Equal(t, HashToken(raw), key.TokenHash)

	got, ok, err := s.TenantForTokenHash(ctx, HashToken(raw))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tenant.ID, got.ID)

	_, ok, err = s.TenantForTokenHash(ctx, HashToken("wrong"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateTestDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	tenant := mustTenant(t, s, "acme")
	test := mustTest(t, s, tenant.ID, nil)

	assert.Equal(t, KindStepflow, test.Kind)
	assert.Equal(t, defaultTestInterval, test.IntervalSeconds)
	assert.Equal(t, defaultTestTimeout, test.TimeoutSeconds)
	assert.Equal(t, 1, test.DownAfter)
	assert.True(t, test.Enabled)

	st, ok, err := s.TestStateFor(context.Background(), test.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, st.EffectiveOK)
	require.NotNil(t, st.NextDueTS)
}

func TestClaimLeasesAndLocks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, s, "acme")
	test := mustTest(t, s, tenant.ID, nil)

	claims, err := s.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, test.ID, claims[0].TestID)
	assert.NotEmpty(t, claims[0].RunID)

	// The pending run row exists from the moment of the lease.
	run, ok, err := s.GetRun(ctx, tenant.ID, claims[0].RunID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusInfraDegraded, run.Status)
	assert.Equal(t, "pending", run.ErrorKind)

	// Locked test is not claimable again.
	again, err := s.Claim(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimReclaimsStaleLock(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, s, "acme")
	mustTest(t, s, tenant.ID, nil)

	first, err := s.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A runner that died holds the lock past the timeout.
	mock.Add(16 * time.Minute)
	second, err := s.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].RunID, second[0].RunID)
}

func TestCompleteUnknownRunIsBenign(t *testing.T) {
	s, _ := newTestStore(t)
	res, err := s.Complete(context.Background(), "no-such-run", CompleteRequest{Status: StatusPass})
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestCompleteReschedulesAndClearsLock(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, s, "acme")
	test := mustTest(t, s, tenant.ID, nil)

	claims, err := s.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	elapsed := 1234.0
	res, err := s.Complete(ctx, claims[0].RunID, CompleteRequest{Status: StatusPass, ElapsedMS: &elapsed})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.False(t, res.AlertedDown)

	st, _, err := s.TestStateFor(ctx, test.ID)
	require.NoError(t, err)
	assert.Empty(t, st.RunningLockID)
	require.NotNil(t, st.NextDueTS)
	now := float64(mock.Now().Unix())
	assert.GreaterOrEqual(t, *st.NextDueTS, now+float64(test.IntervalSeconds))
	assert.LessOrEqual(t, *st.NextDueTS, now+float64(test.IntervalSeconds+test.JitterSeconds))

	// Not due again until the interval passes.
	none, err := s.Claim(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, none)

	mock.Add(time.Duration(test.IntervalSeconds+test.JitterSeconds+1) * time.Second)
	due, err := s.Claim(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func claimOne(t *testing.T, s *Store) ClaimedRun {
	t.Helper()
	claims, err := s.Claim(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	return claims[0]
}

func TestCompleteDebounceAcrossRuns(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, s, "acme")
	test := mustTest(t, s, tenant.ID, func(spec *Test) {
		spec.DownAfter = 2
		spec.UpAfter = 1
	})

	advance := func() {
		mock.Add(time.Duration(test.IntervalSeconds+test.JitterSeconds+1) * time.Second)
	}

	// First failure: observed but still effectively up.
	run := claimOne(t, s)
	res, err := s.Complete(ctx, run.RunID, CompleteRequest{Status: StatusFail, ErrorKind: "expect_text"})
	require.NoError(t, err)
	assert.False(t, res.AlertedDown)
	st, _, _ := s.TestStateFor(ctx, test.ID)
	assert.True(t, st.EffectiveOK)
	assert.Equal(t, 1, st.FailStreak)

	// Second consecutive failure confirms the transition.
	advance()
	run = claimOne(t, s)
	res, err = s.Complete(ctx, run.RunID, CompleteRequest{Status: StatusFail, ErrorKind: "expect_text"})
	require.NoError(t, err)
	assert.True(t, res.AlertedDown)
	assert.False(t, res.RecoveredUp)
	assert.Equal(t, 2, res.State.FailStreak)

	// Recovery on the next pass.
	advance()
	run = claimOne(t, s)
	res, err = s.Complete(ctx, run.RunID, CompleteRequest{Status: StatusPass})
	require.NoError(t, err)
	assert.True(t, res.RecoveredUp)
	assert.Greater(t, res.DownDuration, 0.0)
	st, _, _ = s.TestStateFor(ctx, test.ID)
	assert.True(t, st.EffectiveOK)
}

func TestCompleteInfraDegradedDoesNotTouchState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, s, "acme")
	test := mustTest(t, s, tenant.ID, nil)

	run := claimOne(t, s)
	res, err := s.Complete(ctx, run.RunID, CompleteRequest{
		Status: StatusInfraDegraded, ErrorKind: "timeout",
	})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.False(t, res.AlertedDown)

	st, _, err := s.TestStateFor(ctx, test.ID)
	require.NoError(t, err)
	assert.True(t, st.EffectiveOK)
	assert.Zero(t, st.FailStreak)
	require.NotNil(t, st.LastInfraTS)
	assert.Nil(t, st.LastFailTS)
	assert.Empty(t, st.RunningLockID)
}

func TestCompleteIdempotentOverwrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, s, "acme")
	test := mustTest(t, s, tenant.ID, func(spec *Test) {
		spec.DownAfter = 2
	})

	run := claimOne(t, s)
	first, err := s.Complete(ctx, run.RunID, CompleteRequest{Status: StatusFail, ErrorMessage: "first"})
	require.NoError(t, err)
	assert.False(t, first.AlertedDown)

	after, _, err := s.TestStateFor(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.FailStreak)
	require.NotNil(t, after.NextDueTS)
	nextDue := *after.NextDueTS

	// A retried completion overwrites the run row and nothing else: no
	// second debounce step, no transition, no reschedule.
	retry, err := s.Complete(ctx, run.RunID, CompleteRequest{Status: StatusFail, ErrorMessage: "retry"})
	require.NoError(t, err)
	assert.True(t, retry.Found)
	assert.False(t, retry.AlertedDown)
	assert.False(t, retry.RecoveredUp)

	got, _, err := s.GetRun(ctx, tenant.ID, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "retry", got.ErrorMessage)

	replayed, _, err := s.TestStateFor(ctx, test.ID)
	require.NoError(t, err)
	assert.True(t, replayed.EffectiveOK)
	assert.Equal(t, 1, replayed.FailStreak)
	require.NotNil(t, replayed.NextDueTS)
	assert.Equal(t, nextDue, *replayed.NextDueTS)
}

func TestCompleteAfterReclaimLeavesNewLeaseAlone(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, s, "acme")
	test := mustTest(t, s, tenant.ID, nil)

	stale := claimOne(t, s)
	mock.Add(16 * time.Minute)
	fresh := claimOne(t, s)
	require.NotEqual(t, stale.RunID, fresh.RunID)

	// The crashed runner's late completion lands on its own run row
	// only; the reclaimed lease and the debounce state stay untouched.
	res, err := s.Complete(ctx, stale.RunID, CompleteRequest{Status: StatusFail, ErrorMessage: "late"})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.False(t, res.AlertedDown)

	st, _, err := s.TestStateFor(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, fresh.RunID, st.RunningLockID)
	assert.Equal(t, 0, st.FailStreak)

	got, _, err := s.GetRun(ctx, tenant.ID, stale.RunID)
	require.NoError(t, err)
	assert.Equal(t, "late", got.ErrorMessage)

	// The fresh lease still completes normally.
	res, err = s.Complete(ctx, fresh.RunID, CompleteRequest{Status: StatusPass})
	require.NoError(t, err)
	assert.True(t, res.Found)
	st, _, err = s.TestStateFor(ctx, test.ID)
	require.NoError(t, err)
	assert.Empty(t, st.RunningLockID)
}

func TestDisableUntilFutureKeepsEnabled(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, s, "acme")
	test := mustTest(t, s, tenant.ID, nil)

	until := float64(mock.Now().Add(time.Hour).Unix())
	updated, found, err := s.SetDisabled(ctx, tenant.ID, test.ID, "deploy window", &until)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, updated.Enabled)
	require.NotNil(t, updated.DisabledUntil)

	// Skipped by the scheduler while the window holds.
	claims, err := s.Claim(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, claims)

	mock.Add(time.Hour + time.Second)
	claims, err = s.Claim(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestDisableWithoutDeadlineHardDisables(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, s, "acme")
	test := mustTest(t, s, tenant.ID, nil)

	updated, found, err := s.SetDisabled(ctx, tenant.ID, test.ID, "flaky", nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, updated.Enabled)
	assert.Equal(t, "flaky", updated.DisabledReason)

	claims, err := s.Claim(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, claims)

	reEnabled, found, err := s.Enable(ctx, tenant.ID, test.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, reEnabled.Enabled)
	assert.Empty(t, reEnabled.DisabledReason)
}

func TestRunNowMakesDue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, s, "acme")
	test := mustTest(t, s, tenant.ID, nil)

	run := claimOne(t, s)
	_, err := s.Complete(ctx, run.RunID, CompleteRequest{Status: StatusPass})
	require.NoError(t, err)

	found, err := s.RunNow(ctx, tenant.ID, test.ID)
	require.NoError(t, err)
	require.True(t, found)

	claims, err := s.Claim(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestTenantScopingOnReads(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := mustTenant(t, s, "acme")
	b := mustTenant(t, s, "beta")
	test := mustTest(t, s, a.ID, nil)
	run := claimOne(t, s)

	_, found, err := s.GetTest(ctx, b.ID, test.ID)
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = s.GetRun(ctx, b.ID, run.RunID)
	require.NoError(t, err)
	assert.False(t, found)

	runs, err := s.ListRuns(ctx, b.ID, test.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSummaryScopes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := mustTenant(t, s, "acme")
	b := mustTenant(t, s, "beta")
	mustTest(t, s, a.ID, nil)
	mustTest(t, s, b.ID, func(spec *Test) { spec.Name = "search" })

	all, err := s.Summary(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	own, err := s.Summary(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, "acme", own[0].TenantName)
}

func TestQuarantineDisallowedHosts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, s, "acme")
	keep := mustTest(t, s, tenant.ID, nil) // shop.acme.net
	drop := mustTest(t, s, tenant.ID, func(spec *Test) {
		spec.Name = "legacy"
		spec.BaseURL = "https://old.gamma.dev"
	})

	policy := BaseURLPolicy{Strict: true, AllowedHosts: []string{"shop.acme.net"}}
	affected, err := s.QuarantineDisallowed(ctx, policy)
	require.NoError(t, err)
	require.Len(t, affected, 1)
	assert.Equal(t, drop.ID, affected[0].ID)

	got, _, err := s.GetTest(ctx, tenant.ID, drop.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Contains(t, got.DisabledReason, "base_url_no_longer_allowed")

	still, _, err := s.GetTest(ctx, tenant.ID, keep.ID)
	require.NoError(t, err)
	assert.True(t, still.Enabled)
}

func TestDispatchRunsBounded(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < maxDispatchRunsKept+20; i++ {
		require.NoError(t, s.AddDispatchRun(ctx, DispatchRun{
			RunID: "r", TestID: "t", TenantID: "tn", TS: float64(i + 1), Bundle: "b",
		}))
	}
	runs, err := s.ListDispatchRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, runs, maxDispatchRunsKept)
	// Newest first, oldest rows trimmed.
	assert.Equal(t, float64(maxDispatchRunsKept+20), runs[0].TS)
}

func TestRecentSeriesOldestFirst(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, s, "acme")
	test := mustTest(t, s, tenant.ID, nil)

	statuses := []string{StatusPass, StatusFail, StatusPass}
	for _, status := range statuses {
		run := claimOne(t, s)
		_, err := s.Complete(ctx, run.RunID, CompleteRequest{Status: status})
		require.NoError(t, err)
		mock.Add(time.Duration(test.IntervalSeconds+test.JitterSeconds+1) * time.Second)
	}

	series, err := s.RecentSeries(ctx, tenant.ID, test.ID, 10)
	require.NoError(t, err)
	require.Len(t, series, 3)
	assert.Equal(t, StatusPass, series[0].Status)
	assert.Equal(t, StatusFail, series[1].Status)
	assert.Less(t, series[0].TS, series[2].TS)
}
