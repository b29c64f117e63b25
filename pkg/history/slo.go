// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package history

import "sort"

// DefaultMinSamples is used when a burn-rate rule does not set its own
// per-window minimum.
const DefaultMinSamples = 5

// BurnRateRule is one multi-window burn-rate alerting rule. Both
// windows must exceed their thresholds for the rule to fire.
type BurnRateRule struct {
	Name               string  `yaml:"name"`
	ShortWindowMinutes int     `yaml:"short_window_minutes"`
	LongWindowMinutes  int     `yaml:"long_window_minutes"`
	ShortBurnRate      float64 `yaml:"short_burn_rate"`
	LongBurnRate       float64 `yaml:"long_burn_rate"`
	MinSamplesShort    int     `yaml:"min_samples_short"`
	MinSamplesLong     int     `yaml:"min_samples_long"`
}

// SLOBurnViolation reports a domain burning its error budget faster
// than a rule allows on both windows at once.
type SLOBurnViolation struct {
	Domain                   string   `json:"domain"`
	Rule                     string   `json:"rule"`
	ShortWindowMinutes       int      `json:"short_window_minutes"`
	LongWindowMinutes        int      `json:"long_window_minutes"`
	ShortBurnRate            float64  `json:"short_burn_rate"`
	LongBurnRate             float64  `json:"long_burn_rate"`
	ShortAvailabilityPercent *float64 `json:"short_availability_percent"`
	LongAvailabilityPercent  *float64 `json:"long_availability_percent"`
	ShortTotal               int      `json:"short_total"`
	LongTotal                int      `json:"long_total"`
}

func (r BurnRateRule) normalized() BurnRateRule {
	out := r
	if out.Name == "" {
		out.Name = "burn"
	}
	if out.ShortWindowMinutes == 0 {
		out.ShortWindowMinutes = 5
	}
	if out.LongWindowMinutes == 0 {
		out.LongWindowMinutes = 60
	}
	if out.ShortBurnRate == 0 {
		out.ShortBurnRate = 14.4
	}
	if out.LongBurnRate == 0 {
		out.LongBurnRate = 6.0
	}
	if out.MinSamplesShort == 0 {
		out.MinSamplesShort = DefaultMinSamples
	}
	if out.MinSamplesLong == 0 {
		out.MinSamplesLong = DefaultMinSamples
	}
	return out
}

// ComputeSLOBurnViolations evaluates every rule against every domain's
// short and long windows. Violations come back sorted by (domain, rule).
func ComputeSLOBurnViolations(h History, nowTS, sloTargetPercent float64, rules []BurnRateRule) []SLOBurnViolation {
	var violations []SLOBurnViolation

	for domain, items := range h {
		if len(items) == 0 {
			continue
		}
		for _, raw := range rules {
			rule := raw.normalized()
			if rule.ShortWindowMinutes <= 0 || rule.LongWindowMinutes <= 0 {
				continue
			}

			shortItems := Window(items, nowTS-float64(rule.ShortWindowMinutes)*60.0)
			longItems := Window(items, nowTS-float64(rule.LongWindowMinutes)*60.0)
			if len(shortItems) < rule.MinSamplesShort || len(longItems) < rule.MinSamplesLong {
				continue
			}

			shortBurn := BurnRate(shortItems, sloTargetPercent)
			longBurn := BurnRate(longItems, sloTargetPercent)
			if shortBurn == nil || longBurn == nil {
				continue
			}

			if *shortBurn >= rule.ShortBurnRate && *longBurn >= rule.LongBurnRate {
				_, _, sPct := Availability(shortItems)
				_, _, lPct := Availability(longItems)
				violations = append(violations, SLOBurnViolation{
					Domain:                   domain,
					Rule:                     rule.Name,
					ShortWindowMinutes:       rule.ShortWindowMinutes,
					LongWindowMinutes:        rule.LongWindowMinutes,
					ShortBurnRate:            *shortBurn,
					LongBurnRate:             *longBurn,
					ShortAvailabilityPercent: sPct,
					LongAvailabilityPercent:  lPct,
					ShortTotal:               len(shortItems),
					LongTotal:                len(longItems),
				})
			}
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Domain != violations[j].Domain {
			return violations[i].Domain < violations[j].Domain
		}
		return violations[i].Rule < violations[j].Rule
	})
	return violations
}
