// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package browser

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(cfg ManagerConfig) (*Manager, *clock.Mock) {
	mock := clock.NewMock()
	m := NewManager(cfg, mock)
	m.memAvailableMB = func() (int, bool) { return 4096, true }
	m.shmBytes = func() int64 { return 1 << 30 }
	return m, mock
}

func TestEnsureLaunchesOnce(t *testing.T) {
	m, _ := newTestManager(ManagerConfig{})
	launches := 0
	b := &fakeBrowser{connected: true}
	m.launchFn = func(context.Context, string, int64) (Browser, error) {
		launches++
		return b, nil
	}

	require.Same(t, Browser(b), m.Ensure(context.Background()))
	require.Same(t, Browser(b), m.Ensure(context.Background()))
	assert.Equal(t, 1, launches)
	assert.Equal(t, LaunchState{}, m.State())
}

func TestEnsureRelaunchesAfterDisconnect(t *testing.T) {
	m, _ := newTestManager(ManagerConfig{})
	first := &fakeBrowser{connected: true}
	second := &fakeBrowser{connected: true}
	browsers := []Browser{first, second}
	m.launchFn = func(context.Context, string, int64) (Browser, error) {
		b := browsers[0]
		browsers = browsers[1:]
		return b, nil
	}

	require.Same(t, Browser(first), m.Ensure(context.Background()))
	first.connected = false
	require.Same(t, Browser(second), m.Ensure(context.Background()))
}

func TestEnsureBacksOffOnLaunchFailure(t *testing.T) {
	m, mock := newTestManager(ManagerConfig{})
	attempts := 0
	m.launchFn = func(context.Context, string, int64) (Browser, error) {
		attempts++
		return nil, errors.New("spawn failed")
	}

	assert.Nil(t, m.Ensure(context.Background()))
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, m.State().FailCount)
	assert.Equal(t, "spawn failed", m.State().LastError)

	// Inside the backoff window nothing is attempted.
	assert.Nil(t, m.Ensure(context.Background()))
	assert.Equal(t, 1, attempts)

	// First failure backs off 10s.
	mock.Add(11 * time.Second)
	assert.Nil(t, m.Ensure(context.Background()))
	assert.Equal(t, 2, attempts)
}

func TestLaunchBackoffCurve(t *testing.T) {
	assert.Equal(t, 10*time.Second, launchBackoff(1))
	assert.Equal(t, 20*time.Second, launchBackoff(2))
	assert.Equal(t, 160*time.Second, launchBackoff(5))
	// Capped at five minutes from the sixth failure on.
	assert.Equal(t, 300*time.Second, launchBackoff(6))
	assert.Equal(t, 300*time.Second, launchBackoff(50))
}

func TestEnsureMemoryGate(t *testing.T) {
	m, mock := newTestManager(ManagerConfig{MinMemAvailableMB: 300})
	m.memAvailableMB = func() (int, bool) { return 120, true }
	launches := 0
	m.launchFn = func(context.Context, string, int64) (Browser, error) {
		launches++
		return &fakeBrowser{connected: true}, nil
	}

	assert.Nil(t, m.Ensure(context.Background()))
	assert.Zero(t, launches)
	assert.Equal(t, "low_mem_available_mb=120 < 300", m.State().LastError)

	// Memory recovers after the one-minute hold.
	m.memAvailableMB = func() (int, bool) { return 2048, true }
	mock.Add(61 * time.Second)
	assert.NotNil(t, m.Ensure(context.Background()))
	assert.Equal(t, 1, launches)
}

func TestLaunchFlagsShmGate(t *testing.T) {
	small := launchFlags(256 * 1024 * 1024)
	large := launchFlags(1 << 30)
	// The constrained-shm flag set carries one extra option.
	assert.Len(t, small, len(large)+1)
}
