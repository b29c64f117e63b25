// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package history

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

func sample(ts float64, ok bool) Sample {
	return Sample{TS: ts, OK: ok}
}

func TestAppendKeepsOrderOnOutOfOrderInsert(t *testing.T) {
	h := History{}
	h.Append("a.example", sample(10, true))
	h.Append("a.example", sample(30, true))
	h.Append("a.example", sample(20, false))

	items := h["a.example"]
	require.Len(t, items, 3)
	assert.Equal(t, []float64{10, 20, 30}, []float64{items[0].TS, items[1].TS, items[2].TS})
	assert.False(t, items[1].OK)
}

func TestAppendPermutationIndependentWindow(t *testing.T) {
	base := make([]Sample, 0, 50)
	for i := 0; i < 50; i++ {
		base = append(base, sample(float64(i), i%3 != 0))
	}

	sorted := History{}
	for _, s := range base {
		sorted.Append("d", s)
	}

	shuffled := History{}
	perm := rand.New(rand.NewSource(7)).Perm(len(base))
	for _, i := range perm {
		shuffled.Append("d", base[i])
	}

	assert.Equal(t, Window(sorted["d"], 17), Window(shuffled["d"], 17))
}

func TestPruneDropsEmptyDomains(t *testing.T) {
	h := History{
		"old.example":   {sample(100, true), sample(200, true)},
		"mixed.example": {sample(100, true), sample(500, true)},
	}
	h.Prune(300)

	_, ok := h["old.example"]
	assert.False(t, ok)
	require.Len(t, h["mixed.example"], 1)
	assert.Equal(t, 500.0, h["mixed.example"][0].TS)
}

func TestPruneKeepsAllWhenCutoffBeforeFirst(t *testing.T) {
	h := History{"d": {sample(100, true), sample(200, true)}}
	h.Prune(50)
	assert.Len(t, h["d"], 2)
}

func TestWindowLowerBound(t *testing.T) {
	items := []Sample{sample(1, true), sample(2, true), sample(3, true)}
	assert.Len(t, Window(items, 2), 2)
	assert.Len(t, Window(items, 3.5), 0)
	assert.Len(t, Window(nil, 0), 0)
}

func TestAvailability(t *testing.T) {
	total, okCount, pct := Availability([]Sample{sample(1, true), sample(2, false), sample(3, true), sample(4, true)})
	assert.Equal(t, 4, total)
	assert.Equal(t, 3, okCount)
	require.NotNil(t, pct)
	assert.InDelta(t, 75.0, *pct, 0.0001)

	total, okCount, pct = Availability(nil)
	assert.Zero(t, total)
	assert.Zero(t, okCount)
	assert.Nil(t, pct)
}

func TestLatencyPercentileNearestRank(t *testing.T) {
	items := []Sample{
		{TS: 1, OK: true, HTTPElapsedMS: fptr(100)},
		{TS: 2, OK: true, HTTPElapsedMS: fptr(200)},
		{TS: 3, OK: true, HTTPElapsedMS: fptr(300)},
		{TS: 4, OK: true}, // nil latency is skipped
		{TS: 5, OK: true, HTTPElapsedMS: fptr(400)},
	}
	p50 := LatencyPercentileMS(items, FieldHTTPElapsedMS, 50)
	require.NotNil(t, p50)
	assert.Equal(t, 300.0, *p50) // k = round(0.5*3) = 2

	pMin := LatencyPercentileMS(items, FieldHTTPElapsedMS, -5)
	require.NotNil(t, pMin)
	assert.Equal(t, 100.0, *pMin)

	pMax := LatencyPercentileMS(items, FieldHTTPElapsedMS, 150)
	require.NotNil(t, pMax)
	assert.Equal(t, 400.0, *pMax)

	assert.Nil(t, LatencyPercentileMS(nil, FieldHTTPElapsedMS, 95))
}

func TestBurnRate(t *testing.T) {
	// 25% error rate against a 99.9% target: 0.25 / 0.001 = 250.
	items := []Sample{sample(1, false), sample(2, true), sample(3, true), sample(4, true)}
	burn := BurnRate(items, 99.9)
	require.NotNil(t, burn)
	assert.InDelta(t, 250.0, *burn, 0.01)

	assert.Nil(t, BurnRate(nil, 99.9))
	assert.Nil(t, BurnRate(items, 100.0))
	assert.Nil(t, BurnRate(items, 0.0))
}

func TestSampleJSONRoundTrip(t *testing.T) {
	s := Sample{TS: 1700000000.5, OK: true, HTTPElapsedMS: fptr(12.5), StatusCode: iptr(200)}
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `[1700000000.5, true, 12.5, null, 200]`, string(raw))

	var back Sample
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, s, back)
}

func TestSampleJSONShortArray(t *testing.T) {
	var s Sample
	require.NoError(t, json.Unmarshal([]byte(`[42, true]`), &s))
	assert.Equal(t, 42.0, s.TS)
	assert.True(t, s.OK)
	assert.Nil(t, s.HTTPElapsedMS)
	assert.Nil(t, s.StatusCode)
}
