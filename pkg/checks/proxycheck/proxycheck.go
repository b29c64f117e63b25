// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package proxycheck verifies which upstream served a domain by
// reading a reverse-proxy debug header captured during the HTTP probe.
package proxycheck

import (
	"sort"
	"strings"
)

// DefaultUpstreamHeader is the header our reverse proxies stamp with
// the upstream that handled the request.
const DefaultUpstreamHeader = "x-aipc-upstream"

// Config is the per-domain proxy expectation.
type Config struct {
	UpstreamHeader   string   `yaml:"upstream_header"`
	PrimaryUpstreams []string `yaml:"primary_upstreams"`
	BackupUpstreams  []string `yaml:"backup_upstreams"`
	AlertOnBackup    *bool    `yaml:"alert_on_backup"`
	AlertOnMissing   *bool    `yaml:"alert_on_missing"`
	AlertOnUnknown   *bool    `yaml:"alert_on_unknown"`
}

func (c Config) header() string {
	h := strings.ToLower(strings.TrimSpace(c.UpstreamHeader))
	if h == "" {
		h = DefaultUpstreamHeader
	}
	return h
}

func (c Config) alertOnBackup() bool  { return c.AlertOnBackup == nil || *c.AlertOnBackup }
func (c Config) alertOnMissing() bool { return c.AlertOnMissing != nil && *c.AlertOnMissing }
func (c Config) alertOnUnknown() bool { return c.AlertOnUnknown == nil || *c.AlertOnUnknown }

// Issue is one upstream expectation failure.
type Issue struct {
	Domain  string   `json:"domain"`
	Reason  string   `json:"reason"`
	Header  string   `json:"header"`
	Value   string   `json:"value,omitempty"`
	Primary []string `json:"primary,omitempty"`
	Backup  []string `json:"backup,omitempty"`
}

func cleanSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CheckUpstreamHeaders classifies the upstream header captured per
// domain this cycle. capturedHeaders maps domain to its lower-cased
// response headers; domains without a proxy config are skipped.
// Results are sorted by domain.
func CheckUpstreamHeaders(configs map[string]Config, capturedHeaders map[string]map[string]string) []Issue {
	var issues []Issue

	for domain, cfg := range configs {
		header := cfg.header()
		primary := cleanSet(cfg.PrimaryUpstreams)
		backup := cleanSet(cfg.BackupUpstreams)

		captured := capturedHeaders[domain]
		value, present := captured[header]
		if !present {
			if cfg.alertOnMissing() {
				issues = append(issues, Issue{Domain: domain, Reason: "missing_upstream_header", Header: header})
			}
			continue
		}

		value = strings.TrimSpace(value)
		if _, ok := primary[value]; ok {
			continue
		}
		if _, ok := backup[value]; ok {
			if cfg.alertOnBackup() {
				issues = append(issues, Issue{
					Domain:  domain,
					Reason:  "backup_upstream_in_use",
					Header:  header,
					Value:   value,
					Primary: sortedKeys(primary),
					Backup:  sortedKeys(backup),
				})
			}
			continue
		}
		if len(primary) > 0 || len(backup) > 0 {
			if cfg.alertOnUnknown() {
				issues = append(issues, Issue{
					Domain:  domain,
					Reason:  "unknown_upstream_value",
					Header:  header,
					Value:   value,
					Primary: sortedKeys(primary),
					Backup:  sortedKeys(backup),
				})
			}
		}
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].Domain < issues[j].Domain })
	return issues
}
