// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package history stores the rolling per-domain sample series the
// monitor builds up over cycles and derives availability, latency
// percentile, burn-rate, RED and SLO figures from it.
package history

import (
	"encoding/json"
	"sort"
)

// Sample is one probe outcome for one domain in one cycle. The ok field
// records the debounced effective state, not the raw observation.
//
// On-disk encoding is a compact, stable five-element array:
// [ts, ok, http_elapsed_ms, browser_elapsed_ms, status_code].
type Sample struct {
	TS               float64
	OK               bool
	HTTPElapsedMS    *float64
	BrowserElapsedMS *float64
	StatusCode       *int
}

// MarshalJSON encodes the sample as its array form.
func (s Sample) MarshalJSON() ([]byte, error) {
	arr := [5]interface{}{s.TS, s.OK, s.HTTPElapsedMS, s.BrowserElapsedMS, s.StatusCode}
	return json.Marshal(arr)
}

// UnmarshalJSON decodes the array form, tolerating short arrays and
// malformed optional fields from older state files.
func (s *Sample) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*s = Sample{}
	if len(arr) >= 1 {
		json.Unmarshal(arr[0], &s.TS) //nolint:errcheck
	}
	if len(arr) >= 2 {
		json.Unmarshal(arr[1], &s.OK) //nolint:errcheck
	}
	if len(arr) >= 3 {
		var v *float64
		if json.Unmarshal(arr[2], &v) == nil {
			s.HTTPElapsedMS = v
		}
	}
	if len(arr) >= 4 {
		var v *float64
		if json.Unmarshal(arr[3], &v) == nil {
			s.BrowserElapsedMS = v
		}
	}
	if len(arr) >= 5 {
		var v *int
		if json.Unmarshal(arr[4], &v) == nil {
			s.StatusCode = v
		}
	}
	return nil
}

// History maps a domain to its time-ordered samples.
type History map[string][]Sample

// Append inserts a sample for domain. The common path is an in-order
// tail append; a clock jump or out-of-order insert falls back to a
// sorted insert so the series stays ordered by ts.
func (h History) Append(domain string, s Sample) {
	if domain == "" {
		return
	}
	items := h[domain]
	if len(items) == 0 || items[len(items)-1].TS <= s.TS {
		h[domain] = append(items, s)
		return
	}
	idx := lowerBound(items, s.TS)
	items = append(items, Sample{})
	copy(items[idx+1:], items[idx:])
	items[idx] = s
	h[domain] = items
}

// Prune drops samples older than beforeTS. Domains left without
// samples are removed entirely.
func (h History) Prune(beforeTS float64) {
	for domain, items := range h {
		if len(items) == 0 {
			delete(h, domain)
			continue
		}
		idx := lowerBound(items, beforeTS)
		if idx <= 0 {
			continue
		}
		if idx >= len(items) {
			delete(h, domain)
			continue
		}
		h[domain] = items[idx:]
	}
}

// Window returns the suffix of items with ts >= sinceTS. The result
// aliases the input slice.
func Window(items []Sample, sinceTS float64) []Sample {
	if len(items) == 0 {
		return nil
	}
	return items[lowerBound(items, sinceTS):]
}

func lowerBound(items []Sample, ts float64) int {
	return sort.Search(len(items), func(i int) bool { return items[i].TS >= ts })
}

// Availability returns (total, okCount, okPercent); okPercent is nil
// when the window is empty.
func Availability(items []Sample) (int, int, *float64) {
	total := len(items)
	if total == 0 {
		return 0, 0, nil
	}
	okCount := 0
	for _, s := range items {
		if s.OK {
			okCount++
		}
	}
	pct := float64(okCount) / float64(total) * 100.0
	return total, okCount, &pct
}

// ErrorRatePercent returns the failed fraction of the window as a
// percentage, or nil when the window is empty.
func ErrorRatePercent(items []Sample) *float64 {
	total, okCount, _ := Availability(items)
	if total == 0 {
		return nil
	}
	rate := float64(total-okCount) / float64(total) * 100.0
	return &rate
}

// LatencyField selects which elapsed-ms series a percentile runs over.
type LatencyField int

const (
	// FieldHTTPElapsedMS selects the raw HTTP probe latency.
	FieldHTTPElapsedMS LatencyField = iota
	// FieldBrowserElapsedMS selects the browser probe latency.
	FieldBrowserElapsedMS
)

// LatencyPercentileMS computes the nearest-rank percentile over the
// non-nil values of the chosen field. p<=0 yields the minimum, p>=100
// the maximum; nil when no values are present.
func LatencyPercentileMS(items []Sample, field LatencyField, p float64) *float64 {
	values := make([]float64, 0, len(items))
	for _, s := range items {
		var v *float64
		if field == FieldHTTPElapsedMS {
			v = s.HTTPElapsedMS
		} else {
			v = s.BrowserElapsedMS
		}
		if v != nil {
			values = append(values, *v)
		}
	}
	if len(values) == 0 {
		return nil
	}
	sort.Float64s(values)
	var out float64
	switch {
	case p <= 0:
		out = values[0]
	case p >= 100:
		out = values[len(values)-1]
	default:
		k := int(p/100.0*float64(len(values)-1) + 0.5)
		if k < 0 {
			k = 0
		}
		if k > len(values)-1 {
			k = len(values) - 1
		}
		out = values[k]
	}
	return &out
}

// BurnRate computes error_rate / error_budget where the budget is
// (1 - target/100). Nil when the window is empty or the target is not
// strictly between 0 and 100.
func BurnRate(items []Sample, sloTargetPercent float64) *float64 {
	total, okCount, _ := Availability(items)
	if total == 0 {
		return nil
	}
	if !(sloTargetPercent > 0.0 && sloTargetPercent < 100.0) {
		return nil
	}
	budget := 1.0 - sloTargetPercent/100.0
	if budget <= 0.0 {
		return nil
	}
	errRate := float64(total-okCount) / float64(total)
	burn := errRate / budget
	return &burn
}
