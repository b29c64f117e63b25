// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package monitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchai/service-monitor/pkg/history"
)

func TestLoadStateMissingFile(t *testing.T) {
	st, err := LoadState(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	assert.Equal(t, StateSchemaVersion, st.SchemaVersion)
	assert.Equal(t, "effective", st.HistoryOKMode)
	assert.NotNil(t, st.Domains)
	assert.NotNil(t, st.History)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	st := NewState()
	d := st.Domain("a.example")
	d.EffectiveOK = false
	d.FailStreak = 2
	d.LastReason = "http"
	ms := 120.5
	st.History.Append("a.example", history.Sample{TS: 1000, OK: false, HTTPElapsedMS: &ms})
	st.HeartbeatSent["08:00"] = "2026-08-24"
	st.RecordEvent(1000, "domain_down", "a.example: http")
	st.RecordDispatch(DispatchRecord{TS: 1000, Kind: "domain_down", Domain: "a.example", Bundle: "b-1"})

	require.NoError(t, SaveState(path, st))

	loaded, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, StateSchemaVersion, loaded.SchemaVersion)
	assert.False(t, loaded.Domain("a.example").EffectiveOK)
	assert.Equal(t, 2, loaded.Domain("a.example").FailStreak)
	require.Len(t, loaded.History["a.example"], 1)
	assert.Equal(t, 1000.0, loaded.History["a.example"][0].TS)
	require.NotNil(t, loaded.History["a.example"][0].HTTPElapsedMS)
	assert.Equal(t, "2026-08-24", loaded.HeartbeatSent["08:00"])
	require.Len(t, loaded.DispatchHistory, 1)
	assert.Equal(t, "b-1", loaded.DispatchHistory[0].Bundle)
}

func TestSaveStateLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, SaveState(path, NewState()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestLoadStateCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := LoadState(path)
	require.Error(t, err)
}

func TestNormalizeRepairsLegacyState(t *testing.T) {
	st := &State{
		SchemaVersion: 3,
		Domains: map[string]*DomainState{
			// Both streaks set is impossible; the failure count wins.
			"a.example": {FailStreak: 2, SuccessStreak: 3},
		},
	}
	st.normalize()
	assert.Equal(t, StateSchemaVersion, st.SchemaVersion)
	assert.Equal(t, "effective", st.HistoryOKMode)
	assert.NotNil(t, st.Signals)
	assert.NotNil(t, st.HeartbeatSent)
	assert.Equal(t, 2, st.Domains["a.example"].FailStreak)
	assert.Zero(t, st.Domains["a.example"].SuccessStreak)
}

func TestBoundedLogs(t *testing.T) {
	st := NewState()
	for i := 0; i < maxEventLog+50; i++ {
		st.RecordEvent(float64(i), "k", "t")
	}
	assert.Len(t, st.EventLog, maxEventLog)
	assert.Equal(t, float64(50), st.EventLog[0].TS)

	for i := 0; i < maxDispatchHistory+10; i++ {
		st.RecordDispatch(DispatchRecord{TS: float64(i)})
	}
	assert.Len(t, st.DispatchHistory, maxDispatchHistory)
	assert.Equal(t, float64(10), st.DispatchHistory[0].TS)
}

func TestSignalAndDomainDefaults(t *testing.T) {
	st := NewState()
	assert.True(t, st.Domain("new.example").EffectiveOK)
	assert.True(t, st.Signal(SignalHostHealth).EffectiveOK)
	// Same record handed back on subsequent calls.
	st.Signal(SignalHostHealth).FailStreak = 4
	assert.Equal(t, 4, st.Signal(SignalHostHealth).FailStreak)
}
