// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package hostcheck snapshots host resource usage (disk, memory, swap,
// CPU, load) and evaluates it against configured ceilings.
package hostcheck

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/pitchai/service-monitor/pkg/util/log"
)

// CPUCounters are aggregate jiffies from /proc/stat, carried across
// cycles so the next snapshot can compute a usage delta.
type CPUCounters struct {
	Total int64 `json:"total"`
	Idle  int64 `json:"idle"`
}

// DiskStat is the usage of one monitored mount.
type DiskStat struct {
	UsedPercent float64 `json:"used_percent"`
}

// Snapshot is one cycle's host resource reading. Percent fields are
// nil when the underlying source was unavailable.
type Snapshot struct {
	MemTotalKB      uint64              `json:"mem_total_kb"`
	MemAvailableKB  uint64              `json:"mem_available_kb"`
	MemUsedPercent  *float64            `json:"mem_used_percent"`
	SwapTotalKB     uint64              `json:"swap_total_kb"`
	SwapFreeKB      uint64              `json:"swap_free_kb"`
	SwapUsedPercent *float64            `json:"swap_used_percent"`
	Disk            map[string]DiskStat `json:"disk"`
	CPUUsedPercent  *float64            `json:"cpu_used_percent"`
	CPUCount        int                 `json:"cpu_count"`
	Load1           *float64            `json:"load1"`
	Load5           *float64            `json:"load5"`
	Load15          *float64            `json:"load15"`
	Load1PerCPU     *float64            `json:"load1_per_cpu"`

	// NextCPUCounters feeds the following cycle's delta; nil when
	// /proc/stat could not be read.
	NextCPUCounters *CPUCounters `json:"-"`
}

// ReadProcStatCPU parses the aggregate "cpu " line. Idle includes
// iowait.
func ReadProcStatCPU(path string) (*CPUCounters, error) {
	if path == "" {
		path = "/proc/stat"
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		var nums []int64
		for _, f := range fields {
			n, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				n = 0
			}
			nums = append(nums, n)
		}
		if len(nums) < 4 {
			return nil, fmt.Errorf("malformed cpu line in %s", path)
		}
		var total int64
		for _, n := range nums {
			total += n
		}
		idle := nums[3]
		if len(nums) > 4 {
			idle += nums[4]
		}
		return &CPUCounters{Total: total, Idle: idle}, nil
	}
	return nil, fmt.Errorf("no aggregate cpu line in %s", path)
}

// ComputeCPUUsedPercent turns two counter readings into a usage
// percentage. Returns nil when the counters did not advance, which
// also covers the first cycle and counter resets after a reboot.
func ComputeCPUUsedPercent(prev, cur CPUCounters) *float64 {
	deltaTotal := cur.Total - prev.Total
	if deltaTotal <= 0 {
		return nil
	}
	deltaIdle := cur.Idle - prev.Idle
	used := (1.0 - float64(deltaIdle)/float64(deltaTotal)) * 100.0
	if used < 0 {
		used = 0
	}
	if used > 100 {
		used = 100
	}
	return &used
}

// Collect gathers the snapshot. prev is the previous cycle's CPU
// counters, nil on the first cycle. Individual source failures leave
// the corresponding fields nil rather than failing the snapshot.
func Collect(ctx context.Context, diskPaths []string, prev *CPUCounters) Snapshot {
	snap := Snapshot{Disk: make(map[string]DiskStat)}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		snap.MemTotalKB = vm.Total / 1024
		snap.MemAvailableKB = vm.Available / 1024
		pct := (1.0 - float64(vm.Available)/float64(vm.Total)) * 100.0
		snap.MemUsedPercent = &pct
	} else if err != nil {
		log.Debugf("host snapshot: memory read failed: %v", err)
	}

	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		snap.SwapTotalKB = sw.Total / 1024
		snap.SwapFreeKB = sw.Free / 1024
		if sw.Total > 0 {
			pct := (1.0 - float64(sw.Free)/float64(sw.Total)) * 100.0
			snap.SwapUsedPercent = &pct
		}
	}

	for _, p := range diskPaths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		usage, err := disk.UsageWithContext(ctx, p)
		if err != nil || usage.Total == 0 {
			continue
		}
		snap.Disk[p] = DiskStat{UsedPercent: usage.UsedPercent}
	}

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCount = counts
	}

	if cur, err := ReadProcStatCPU(""); err == nil {
		snap.NextCPUCounters = cur
		if prev != nil && prev.Total > 0 && prev.Idle > 0 {
			snap.CPUUsedPercent = ComputeCPUUsedPercent(*prev, *cur)
		}
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		l1, l5, l15 := avg.Load1, avg.Load5, avg.Load15
		snap.Load1, snap.Load5, snap.Load15 = &l1, &l5, &l15
		if snap.CPUCount > 0 {
			perCPU := l1 / float64(snap.CPUCount)
			snap.Load1PerCPU = &perCPU
		}
	}

	return snap
}

// Thresholds are the configured ceilings; nil disables a check.
// DiskOverrides sets a per-mount ceiling that replaces the global one.
type Thresholds struct {
	DiskUsedPercentMax *float64           `yaml:"disk_used_percent_max"`
	DiskOverrides      map[string]float64 `yaml:"disk_overrides"`
	MemUsedPercentMax  *float64           `yaml:"mem_used_percent_max"`
	SwapUsedPercentMax *float64           `yaml:"swap_used_percent_max"`
	CPUUsedPercentMax  *float64           `yaml:"cpu_used_percent_max"`
	Load1PerCPUMax     *float64           `yaml:"load1_per_cpu_max"`
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}

// Violations evaluates a snapshot against the thresholds. Human
// readable lines, suitable for alert bodies.
func Violations(snap Snapshot, th Thresholds) []string {
	var violations []string

	if th.DiskUsedPercentMax != nil || len(th.DiskOverrides) > 0 {
		paths := make([]string, 0, len(snap.Disk))
		for p := range snap.Disk {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			max, ok := th.DiskOverrides[p]
			if !ok {
				if th.DiskUsedPercentMax == nil {
					continue
				}
				max = *th.DiskUsedPercentMax
			}
			pct := snap.Disk[p].UsedPercent
			if pct >= max {
				violations = append(violations,
					fmt.Sprintf("Disk %s: %s >= %s", p, formatPercent(pct), formatPercent(max)))
			}
		}
	}

	if th.MemUsedPercentMax != nil && snap.MemUsedPercent != nil && *snap.MemUsedPercent >= *th.MemUsedPercentMax {
		violations = append(violations,
			fmt.Sprintf("Memory: %s >= %s", formatPercent(*snap.MemUsedPercent), formatPercent(*th.MemUsedPercentMax)))
	}
	if th.SwapUsedPercentMax != nil && snap.SwapUsedPercent != nil && *snap.SwapUsedPercent >= *th.SwapUsedPercentMax {
		violations = append(violations,
			fmt.Sprintf("Swap: %s >= %s", formatPercent(*snap.SwapUsedPercent), formatPercent(*th.SwapUsedPercentMax)))
	}
	if th.CPUUsedPercentMax != nil && snap.CPUUsedPercent != nil && *snap.CPUUsedPercent >= *th.CPUUsedPercentMax {
		violations = append(violations,
			fmt.Sprintf("CPU: %s >= %s", formatPercent(*snap.CPUUsedPercent), formatPercent(*th.CPUUsedPercentMax)))
	}
	if th.Load1PerCPUMax != nil && snap.Load1PerCPU != nil && *snap.Load1PerCPU >= *th.Load1PerCPUMax {
		violations = append(violations,
			fmt.Sprintf("Load1/CPU: %.2f >= %.2f", *snap.Load1PerCPU, *th.Load1PerCPUMax))
	}

	return violations
}
