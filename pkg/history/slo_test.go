// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSLOBurnFiresWhenBothWindowsExceed(t *testing.T) {
	// 20 samples over 20 minutes at 25% error rate, target 99.9%:
	// burn rate is 250 on both windows, far past 1.0 thresholds.
	now := 1700000000.0
	h := History{}
	for i := 0; i < 20; i++ {
		ts := now - float64(20-i)*60.0
		h.Append("shop.example", sample(ts, i%4 != 0))
	}

	rules := []BurnRateRule{{
		Name:               "fast",
		ShortWindowMinutes: 5,
		LongWindowMinutes:  10,
		ShortBurnRate:      1.0,
		LongBurnRate:       1.0,
	}}
	out := ComputeSLOBurnViolations(h, now, 99.9, rules)
	require.Len(t, out, 1)
	assert.Equal(t, "shop.example", out[0].Domain)
	assert.Equal(t, "fast", out[0].Rule)
	assert.GreaterOrEqual(t, out[0].ShortBurnRate, 1.0)
	assert.GreaterOrEqual(t, out[0].LongBurnRate, 1.0)
}

func TestSLOBurnRespectsMinSamples(t *testing.T) {
	now := 1700000000.0
	h := History{"d": {sample(now-60, false), sample(now-30, false)}}
	rules := []BurnRateRule{{ShortWindowMinutes: 5, LongWindowMinutes: 10, ShortBurnRate: 1, LongBurnRate: 1}}
	assert.Empty(t, ComputeSLOBurnViolations(h, now, 99.9, rules))
}

func TestSLOBurnSkipsWhenOnlyShortWindowBurns(t *testing.T) {
	now := 1700000000.0
	h := History{}
	// Long window fully healthy, short window fully failing.
	for i := 0; i < 55; i++ {
		h.Append("d", sample(now-3600+float64(i)*60, true))
	}
	for i := 0; i < 5; i++ {
		h.Append("d", sample(now-240+float64(i)*60, false))
	}
	rules := []BurnRateRule{{
		ShortWindowMinutes: 5, LongWindowMinutes: 60,
		ShortBurnRate: 10.0, LongBurnRate: 60.0,
	}}
	assert.Empty(t, ComputeSLOBurnViolations(h, now, 99.0, rules))
}

func TestSLOBurnSortedByDomainAndRule(t *testing.T) {
	now := 1700000000.0
	h := History{}
	for _, d := range []string{"b.example", "a.example"} {
		for i := 0; i < 10; i++ {
			h.Append(d, sample(now-float64(10-i)*60, false))
		}
	}
	rules := []BurnRateRule{
		{Name: "z", ShortWindowMinutes: 5, LongWindowMinutes: 10, ShortBurnRate: 1, LongBurnRate: 1},
		{Name: "a", ShortWindowMinutes: 5, LongWindowMinutes: 10, ShortBurnRate: 1, LongBurnRate: 1},
	}
	out := ComputeSLOBurnViolations(h, now, 99.9, rules)
	require.Len(t, out, 4)
	assert.Equal(t, []string{"a.example", "a.example", "b.example", "b.example"},
		[]string{out[0].Domain, out[1].Domain, out[2].Domain, out[3].Domain})
	assert.Equal(t, "a", out[0].Rule)
	assert.Equal(t, "z", out[1].Rule)
}

func TestREDViolationReasons(t *testing.T) {
	now := 1700000000.0
	h := History{}
	for i := 0; i < 10; i++ {
		s := Sample{TS: now - float64(10-i)*30, OK: i%2 == 0, HTTPElapsedMS: fptr(2000), BrowserElapsedMS: fptr(5000)}
		h.Append("slow.example", s)
	}
	cfg := REDConfig{
		WindowMinutes:       10,
		MinSamples:          5,
		ErrorRateMaxPercent: fptr(5.0),
		HTTPP95MSMax:        fptr(1500),
		BrowserP95MSMax:     fptr(4000),
	}
	out := ComputeREDViolations(h, now, cfg)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"errors>5.00%", "http_p95>1500ms", "browser_p95>4000ms"}, out[0].Reasons)
	assert.Equal(t, 10, out[0].TotalSamples)
}

func TestREDSkipsBelowMinSamples(t *testing.T) {
	now := 1700000000.0
	h := History{"d": {sample(now-30, false)}}
	cfg := REDConfig{WindowMinutes: 10, MinSamples: 5, ErrorRateMaxPercent: fptr(5.0)}
	assert.Empty(t, ComputeREDViolations(h, now, cfg))
}
