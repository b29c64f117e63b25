// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package probe defines the shared vocabulary of the probe layer: the
// per-domain check spec, the probe result shape, the maintenance-text
// defaults and the browser-infra error heuristic. The concrete probes
// live in the subpackages.
package probe

import (
	"strings"
	"time"
)

// DefaultMaintenanceText is the default forbidden-text set. Any of
// these phrases appearing in visible page text marks the domain as
// serving a maintenance or error page.
var DefaultMaintenanceText = []string{
	"maintenance",
	"temporarily unavailable",
	"we'll be back",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
}

// SelectorState is a wait condition for a selector check.
type SelectorState string

// Selector wait conditions.
const (
	StateAttached SelectorState = "attached"
	StateDetached SelectorState = "detached"
	StateVisible  SelectorState = "visible"
	StateHidden   SelectorState = "hidden"
)

// SelectorCheck pairs a CSS selector with the state it must reach.
type SelectorCheck struct {
	Selector string        `yaml:"selector"`
	State    SelectorState `yaml:"state"`
}

// DefaultSelectorState picks the wait condition used when a selector is
// given without one. Head elements are never "visible", so selectors
// targeting them default to attached.
func DefaultSelectorState(selector string) SelectorState {
	sel := strings.TrimLeft(selector, " \t")
	for _, prefix := range []string{"meta", "script", "link", "title"} {
		if strings.HasPrefix(sel, prefix) {
			return StateAttached
		}
	}
	return StateVisible
}

// WithDefaultState fills an empty state in.
func (c SelectorCheck) WithDefaultState() SelectorCheck {
	if c.State == "" {
		c.State = DefaultSelectorState(c.Selector)
	}
	return c
}

// Spec describes one domain's checks for one cycle. Immutable while a
// cycle runs.
type Spec struct {
	Domain                  string
	URL                     string
	ExpectedTitleContains   string
	RequiredSelectorsAll    []SelectorCheck
	RequiredSelectorsAny    []SelectorCheck
	RequiredTextAll         []string
	ForbiddenTextAny        []string
	HTTPTimeout             time.Duration
	BrowserTimeout          time.Duration
	ExpectedFinalHostSuffix string
	AllowedStatusCodes      []int
}

// Normalized applies the spec defaults: maintenance phrases when no
// forbidden set is given, probe timeouts, selector states.
func (s Spec) Normalized() Spec {
	out := s
	if out.ForbiddenTextAny == nil {
		out.ForbiddenTextAny = append([]string(nil), DefaultMaintenanceText...)
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.BrowserTimeout <= 0 {
		out.BrowserTimeout = 25 * time.Second
	}
	all := make([]SelectorCheck, len(out.RequiredSelectorsAll))
	for i, c := range out.RequiredSelectorsAll {
		all[i] = c.WithDefaultState()
	}
	out.RequiredSelectorsAll = all
	anySel := make([]SelectorCheck, len(out.RequiredSelectorsAny))
	for i, c := range out.RequiredSelectorsAny {
		anySel[i] = c.WithDefaultState()
	}
	out.RequiredSelectorsAny = anySel
	return out
}

// StatusAllowed checks a response status against the allow-list
// (default: anything in [200, 400)).
func (s Spec) StatusAllowed(status int) bool {
	if len(s.AllowedStatusCodes) == 0 {
		return status >= 200 && status < 400
	}
	for _, allowed := range s.AllowedStatusCodes {
		if status == allowed {
			return true
		}
	}
	return false
}

// Result is one probe outcome. Details carries probe-specific
// structured data for alerts and dashboards; errors never escape as
// panics or unwound cycles, they land here.
type Result struct {
	Domain  string
	OK      bool
	Reason  string
	Details map[string]interface{}
}
