// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package monitor runs the domain-monitoring cycle: probes, debounce,
// history, cross-cutting signals, alerting, heartbeats and dispatcher
// escalation.
package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/pitchai/service-monitor/pkg/history"
)

// StateSchemaVersion is bumped whenever the on-disk layout changes in a
// way old readers would misinterpret.
const StateSchemaVersion = 5

// Retention caps for the unbounded-growth parts of the state.
const (
	maxDispatchHistory = 80
	maxEventLog        = 200
)

// Signal kinds tracked by the cross-cutting debouncers.
const (
	SignalBrowser         = "browser"
	SignalHostHealth      = "host_health"
	SignalPerformance     = "performance"
	SignalSLO             = "slo"
	SignalRED             = "red"
	SignalTLS             = "tls"
	SignalDNS             = "dns"
	SignalContainerHealth = "container_health"
	SignalProxy           = "proxy"
)

// DomainState is the debounced per-domain record. Invariant: at most
// one of FailStreak and SuccessStreak is non-zero.
type DomainState struct {
	EffectiveOK   bool    `json:"effective_ok"`
	FailStreak    int     `json:"fail_streak"`
	SuccessStreak int     `json:"success_streak"`
	LastChangeTS  float64 `json:"last_change_ts,omitempty"`
	LastStatus    *int    `json:"last_status,omitempty"`
	LastReason    string  `json:"last_reason,omitempty"`
	LastError     string  `json:"last_error,omitempty"`
}

// SignalState is the debounced record for one cross-cutting signal.
type SignalState struct {
	EffectiveOK   bool    `json:"effective_ok"`
	FailStreak    int     `json:"fail_streak"`
	SuccessStreak int     `json:"success_streak"`
	LastChangeTS  float64 `json:"last_change_ts,omitempty"`
	LastDetail    string  `json:"last_detail,omitempty"`
}

// DispatchRecord is one escalation to the dispatcher.
type DispatchRecord struct {
	TS           float64 `json:"ts"`
	Kind         string  `json:"kind"`
	Domain       string  `json:"domain,omitempty"`
	Bundle       string  `json:"bundle,omitempty"`
	Runner       string  `json:"runner,omitempty"`
	Error        string  `json:"error,omitempty"`
	AgentMessage string  `json:"agent_message,omitempty"`
}

// Event is one line of the bounded event log kept for triage.
type Event struct {
	TS   float64 `json:"ts"`
	Kind string  `json:"kind"`
	Text string  `json:"text"`
}

// MetaState tracks the monitor's own health.
type MetaState struct {
	StateWriteFailStreak int `json:"state_write_fail_streak"`
}

// HostHealthState carries the CPU counters between cycles so usage can
// be computed as a delta.
type HostHealthState struct {
	CPUPrevTotal *int64 `json:"cpu_prev_total,omitempty"`
	CPUPrevIdle  *int64 `json:"cpu_prev_idle,omitempty"`
}

// State is everything the monitor persists between restarts.
type State struct {
	SchemaVersion int    `json:"schema_version"`
	HistoryOKMode string `json:"history_ok_mode"`
	StartedTS     float64 `json:"started_ts,omitempty"`

	Domains map[string]*DomainState `json:"domains"`
	Signals map[string]*SignalState `json:"signals"`
	History history.History         `json:"history"`

	// HeartbeatSent maps an HH:MM slot to the YYYY-MM-DD it last fired.
	HeartbeatSent map[string]string `json:"heartbeat_sent"`

	DispatchHistory []DispatchRecord `json:"dispatch_history,omitempty"`
	EventLog        []Event          `json:"event_log,omitempty"`

	HostHealth HostHealthState `json:"host_health"`
	Meta       MetaState       `json:"meta"`

	// ContainerRestartCounts is the per-container baseline used to
	// detect restart-count increases between cycles.
	ContainerRestartCounts map[string]int `json:"container_restart_counts,omitempty"`

	// DNSLastIPs remembers each domain's last resolved address set for
	// drift detection.
	DNSLastIPs map[string][]string `json:"dns_last_ips,omitempty"`

	BrowserDegradedLastNoticeTS float64 `json:"browser_degraded_last_notice_ts,omitempty"`
}

// NewState builds an empty state at the current schema.
func NewState() *State {
	return &State{
		SchemaVersion: StateSchemaVersion,
		HistoryOKMode: "effective",
		Domains:       map[string]*DomainState{},
		Signals:       map[string]*SignalState{},
		History:       history.History{},
		HeartbeatSent: map[string]string{},
	}
}

// normalize repairs maps that decoded as nil and re-stamps the schema.
// Older schema versions are carried forward: the layout is additive, so
// whatever decoded cleanly is kept.
func (s *State) normalize() {
	s.SchemaVersion = StateSchemaVersion
	if s.HistoryOKMode == "" {
		s.HistoryOKMode = "effective"
	}
	if s.Domains == nil {
		s.Domains = map[string]*DomainState{}
	}
	if s.Signals == nil {
		s.Signals = map[string]*SignalState{}
	}
	if s.History == nil {
		s.History = history.History{}
	}
	if s.HeartbeatSent == nil {
		s.HeartbeatSent = map[string]string{}
	}
	if len(s.DispatchHistory) > maxDispatchHistory {
		s.DispatchHistory = s.DispatchHistory[len(s.DispatchHistory)-maxDispatchHistory:]
	}
	if len(s.EventLog) > maxEventLog {
		s.EventLog = s.EventLog[len(s.EventLog)-maxEventLog:]
	}
	for _, d := range s.Domains {
		if d.FailStreak < 0 {
			d.FailStreak = 0
		}
		if d.SuccessStreak < 0 {
			d.SuccessStreak = 0
		}
		// The streaks are mutually exclusive; prefer the failure count
		// when an old file carries both.
		if d.FailStreak > 0 && d.SuccessStreak > 0 {
			d.SuccessStreak = 0
		}
	}
}

// LoadState reads the state file. A missing file yields a fresh state;
// a corrupt one is an error so the caller can decide whether to start
// over.
func LoadState(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewState(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading state")
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.Wrap(err, "parsing state")
	}
	s.normalize()
	return &s, nil
}

// SaveState writes the state atomically: marshal, write a sibling temp
// file, fsync, rename. A crash mid-write never leaves a torn file.
func SaveState(path string, s *State) error {
	s.normalize()
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding state")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating state dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temp state file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing state")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "syncing state")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing state")
	}
	return errors.Wrap(os.Rename(tmpName, path), "renaming state")
}

// Domain returns the state record for a domain, creating it UP.
func (s *State) Domain(name string) *DomainState {
	d, ok := s.Domains[name]
	if !ok {
		d = &DomainState{EffectiveOK: true}
		s.Domains[name] = d
	}
	return d
}

// Signal returns the state record for a signal kind, creating it OK.
func (s *State) Signal(kind string) *SignalState {
	sig, ok := s.Signals[kind]
	if !ok {
		sig = &SignalState{EffectiveOK: true}
		s.Signals[kind] = sig
	}
	return sig
}

// RecordDispatch appends to the bounded dispatch history.
func (s *State) RecordDispatch(rec DispatchRecord) {
	s.DispatchHistory = append(s.DispatchHistory, rec)
	if len(s.DispatchHistory) > maxDispatchHistory {
		s.DispatchHistory = s.DispatchHistory[len(s.DispatchHistory)-maxDispatchHistory:]
	}
}

// RecordEvent appends to the bounded event log.
func (s *State) RecordEvent(ts float64, kind, text string) {
	s.EventLog = append(s.EventLog, Event{TS: ts, Kind: kind, Text: text})
	if len(s.EventLog) > maxEventLog {
		s.EventLog = s.EventLog[len(s.EventLog)-maxEventLog:]
	}
}
