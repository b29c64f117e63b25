// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package hostcheck

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fptr(v float64) *float64 { return &v }

func TestReadProcStatCPU(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat")
	content := "cpu  100 0 50 800 50 0 0 0 0 0\ncpu0 50 0 25 400 25 0 0 0 0 0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := ReadProcStatCPU(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), c.Total)
	// Idle is idle + iowait.
	assert.Equal(t, int64(850), c.Idle)
}

func TestReadProcStatCPUMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat")
	require.NoError(t, os.WriteFile(path, []byte("intr 12345\n"), 0o644))
	_, err := ReadProcStatCPU(path)
	assert.Error(t, err)
}

func TestComputeCPUUsedPercent(t *testing.T) {
	// 1000 jiffies elapsed, 600 idle: 40% used.
	pct := ComputeCPUUsedPercent(CPUCounters{Total: 1000, Idle: 800}, CPUCounters{Total: 2000, Idle: 1400})
	require.NotNil(t, pct)
	assert.InDelta(t, 40.0, *pct, 0.001)

	// No advance (first cycle, or counters reset) yields no reading.
	assert.Nil(t, ComputeCPUUsedPercent(CPUCounters{Total: 2000, Idle: 1400}, CPUCounters{Total: 2000, Idle: 1500}))
	assert.Nil(t, ComputeCPUUsedPercent(CPUCounters{Total: 3000, Idle: 100}, CPUCounters{Total: 2000, Idle: 90}))
}

func TestViolationsFormats(t *testing.T) {
	snap := Snapshot{
		Disk: map[string]DiskStat{
			"/":     {UsedPercent: 91.25},
			"/data": {UsedPercent: 50.0},
		},
		MemUsedPercent:  fptr(96.5),
		SwapUsedPercent: fptr(10.0),
		CPUUsedPercent:  fptr(99.0),
		Load1PerCPU:     fptr(2.5),
	}
	th := Thresholds{
		DiskUsedPercentMax: fptr(90),
		MemUsedPercentMax:  fptr(95),
		SwapUsedPercentMax: fptr(80),
		CPUUsedPercentMax:  fptr(95),
		Load1PerCPUMax:     fptr(2),
	}

	v := Violations(snap, th)
	assert.Equal(t, []string{
		"Disk /: 91.2% >= 90.0%",
		"Memory: 96.5% >= 95.0%",
		"CPU: 99.0% >= 95.0%",
		"Load1/CPU: 2.50 >= 2.00",
	}, v)
}

func TestViolationsDiskOverrides(t *testing.T) {
	snap := Snapshot{Disk: map[string]DiskStat{
		"/":     {UsedPercent: 85},
		"/logs": {UsedPercent: 85},
	}}
	th := Thresholds{
		DiskUsedPercentMax: fptr(90),
		DiskOverrides:      map[string]float64{"/logs": 80},
	}

	v := Violations(snap, th)
	require.Len(t, v, 1)
	assert.Equal(t, "Disk /logs: 85.0% >= 80.0%", v[0])
}

func TestViolationsNilReadingsSkipped(t *testing.T) {
	th := Thresholds{
		MemUsedPercentMax: fptr(95),
		CPUUsedPercentMax: fptr(95),
	}
	assert.Empty(t, Violations(Snapshot{}, th))
}
