// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package history

import (
	"fmt"
	"math"
	"sort"
)

// REDConfig caps a window of samples on rate/error/duration axes. Nil
// caps are not evaluated.
type REDConfig struct {
	WindowMinutes       int      `yaml:"window_minutes"`
	MinSamples          int      `yaml:"min_samples"`
	ErrorRateMaxPercent *float64 `yaml:"error_rate_max_percent"`
	HTTPP95MSMax        *float64 `yaml:"http_p95_ms_max"`
	BrowserP95MSMax     *float64 `yaml:"browser_p95_ms_max"`
}

// REDViolation reports one domain exceeding at least one RED cap.
type REDViolation struct {
	Domain           string   `json:"domain"`
	Reasons          []string `json:"reasons"`
	TotalSamples     int      `json:"total_samples"`
	ErrorRatePercent *float64 `json:"error_rate_percent"`
	HTTPP95MS        *float64 `json:"http_p95_ms"`
	BrowserP95MS     *float64 `json:"browser_p95_ms"`
}

// ComputeREDViolations evaluates every domain's recent window against
// the caps and returns violations sorted by domain.
func ComputeREDViolations(h History, nowTS float64, cfg REDConfig) []REDViolation {
	wMin := cfg.WindowMinutes
	if wMin < 1 {
		wMin = 1
	}
	minSamples := cfg.MinSamples
	if minSamples < 1 {
		minSamples = 1
	}
	cutoff := nowTS - float64(wMin)*60.0

	var violations []REDViolation
	for domain, items := range h {
		w := Window(items, cutoff)
		if len(w) < minSamples {
			continue
		}

		var reasons []string
		errRate := ErrorRatePercent(w)
		if cfg.ErrorRateMaxPercent != nil && errRate != nil && *errRate > *cfg.ErrorRateMaxPercent {
			reasons = append(reasons, fmt.Sprintf("errors>%.2f%%", *cfg.ErrorRateMaxPercent))
		}

		httpP95 := LatencyPercentileMS(w, FieldHTTPElapsedMS, 95.0)
		if cfg.HTTPP95MSMax != nil && httpP95 != nil && *httpP95 > *cfg.HTTPP95MSMax {
			reasons = append(reasons, fmt.Sprintf("http_p95>%dms", int(math.Round(*cfg.HTTPP95MSMax))))
		}

		browserP95 := LatencyPercentileMS(w, FieldBrowserElapsedMS, 95.0)
		if cfg.BrowserP95MSMax != nil && browserP95 != nil && *browserP95 > *cfg.BrowserP95MSMax {
			reasons = append(reasons, fmt.Sprintf("browser_p95>%dms", int(math.Round(*cfg.BrowserP95MSMax))))
		}

		if len(reasons) > 0 {
			violations = append(violations, REDViolation{
				Domain:           domain,
				Reasons:          reasons,
				TotalSamples:     len(w),
				ErrorRatePercent: errRate,
				HTTPP95MS:        httpP95,
				BrowserP95MS:     browserP95,
			})
		}
	}

	sort.Slice(violations, func(i, j int) bool { return violations[i].Domain < violations[j].Domain })
	return violations
}
