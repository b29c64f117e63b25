// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/pitchai/service-monitor/pkg/util/log"
)

// ManagerConfig tunes the launch gate.
type ManagerConfig struct {
	ChromiumPath string
	// MinMemAvailableMB skips (re)launch while available memory is
	// below this floor. Zero disables the gate.
	MinMemAvailableMB int
}

// LaunchState is exposed for the browser signal and the state file.
type LaunchState struct {
	FailCount int       `json:"fail_count"`
	NextTryAt time.Time `json:"next_try_at"`
	LastError string    `json:"last_error,omitempty"`
}

// Manager keeps at most one shared Chromium alive and backs off on
// launch failures so a broken host does not spin.
type Manager struct {
	cfg ManagerConfig
	clk clock.Clock

	// launchFn and memAvailableMB/shmBytes are swapped in tests.
	launchFn       func(ctx context.Context, chromiumPath string, shmBytes int64) (Browser, error)
	memAvailableMB func() (int, bool)
	shmBytes       func() int64

	mu      sync.Mutex
	browser Browser
	state   LaunchState
}

// NewManager uses the real clock and launcher.
func NewManager(cfg ManagerConfig, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:            cfg,
		clk:            clk,
		launchFn:       Launch,
		memAvailableMB: readMemAvailableMB,
		shmBytes:       readShmBytes,
	}
}

func readMemAvailableMB() (int, bool) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, false
	}
	return int(vm.Available / (1024 * 1024)), true
}

func readShmBytes() int64 {
	usage, err := disk.Usage("/dev/shm")
	if err != nil {
		return 0
	}
	return int64(usage.Total)
}

// State returns a copy of the launch bookkeeping.
func (m *Manager) State() LaunchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ensure returns a connected browser, launching one if needed. nil
// means the browser is unavailable this cycle (backoff window or
// memory gate); HTTP-only probing continues.
func (m *Manager) Ensure(ctx context.Context) Browser {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if m.browser.Connected() {
			return m.browser
		}
		_ = m.browser.Close()
		m.browser = nil
	}

	now := m.clk.Now()
	if !m.state.NextTryAt.IsZero() && now.Before(m.state.NextTryAt) {
		return nil
	}

	if m.cfg.MinMemAvailableMB > 0 {
		if avail, ok := m.memAvailableMB(); ok && avail < m.cfg.MinMemAvailableMB {
			m.state.LastError = fmt.Sprintf("low_mem_available_mb=%d < %d", avail, m.cfg.MinMemAvailableMB)
			m.state.NextTryAt = now.Add(time.Minute)
			return nil
		}
	}

	b, err := m.launchFn(ctx, m.cfg.ChromiumPath, m.shmBytes())
	if err != nil {
		m.state.FailCount++
		backoff := launchBackoff(m.state.FailCount)
		m.state.NextTryAt = now.Add(backoff)
		m.state.LastError = err.Error()
		log.Warnf("browser launch failed; continuing HTTP-only retry_in=%ds error=%v",
			int(backoff.Seconds()), err)
		return nil
	}

	m.browser = b
	m.state = LaunchState{}
	return b
}

// launchBackoff caps the exponential retry delay at five minutes.
func launchBackoff(failCount int) time.Duration {
	exp := failCount
	if exp > 6 {
		exp = 6
	}
	secs := 5.0 * float64(int64(1)<<uint(exp))
	if secs > 300 {
		secs = 300
	}
	return time.Duration(secs * float64(time.Second))
}

// Close shuts the shared browser down.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		_ = m.browser.Close()
		m.browser = nil
	}
}
