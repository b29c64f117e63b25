// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package config loads and validates the monitor's YAML configuration
// and its environment settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/pitchai/service-monitor/pkg/checks/apicontract"
	"github.com/pitchai/service-monitor/pkg/checks/hostcheck"
	"github.com/pitchai/service-monitor/pkg/checks/proxycheck"
	"github.com/pitchai/service-monitor/pkg/checks/synthetic"
	"github.com/pitchai/service-monitor/pkg/checks/webvitals"
	"github.com/pitchai/service-monitor/pkg/history"
	"github.com/pitchai/service-monitor/pkg/probe"
	"github.com/pitchai/service-monitor/pkg/probe/dockercheck"
)

// ForcedDisabledDomains are never probed regardless of the config.
// Monitoring the dispatcher through the monitor that escalates to it
// turns every dispatcher incident into a feedback loop.
var ForcedDisabledDomains = map[string]string{
	"dispatch.pitchai.net": "dispatcher endpoint is excluded by policy",
}

// Config is the whole monitor configuration document.
type Config struct {
	IntervalSeconds    int `yaml:"interval_seconds"`
	BrowserConcurrency int `yaml:"browser_concurrency"`
	CheckConcurrency   int `yaml:"check_concurrency"`

	BrowserMinMemAvailableMB *int `yaml:"browser_min_mem_available_mb"`

	Alerting AlertingConfig `yaml:"alerting"`

	History struct {
		RetentionDays int `yaml:"retention_days"`
	} `yaml:"history"`

	Performance PerformanceConfig `yaml:"performance"`

	SLO SLOConfig         `yaml:"slo"`
	RED history.REDConfig `yaml:"red"`

	TLS TLSConfig `yaml:"tls"`
	DNS DNSConfig `yaml:"dns"`

	ContainerMonitoring dockercheck.Config `yaml:"container_monitoring"`

	HostHealth HostHealthConfig `yaml:"host_health"`

	Nginx NginxConfig `yaml:"nginx"`

	WebVitals WebVitalsConfig `yaml:"web_vitals"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	Domains []DomainEntry `yaml:"domains"`
}

// AlertingConfig tunes the down/up debounce and recovery notices.
type AlertingConfig struct {
	DownAfterFailures int   `yaml:"down_after_failures"`
	UpAfterSuccesses  int   `yaml:"up_after_successes"`
	NotifyOnRecovery  *bool `yaml:"notify_on_recovery"`
}

// RecoveryNoticesEnabled defaults to true.
func (a AlertingConfig) RecoveryNoticesEnabled() bool {
	return a.NotifyOnRecovery == nil || *a.NotifyOnRecovery
}

// PerformanceConfig caps per-domain latency before the performance
// signal degrades.
type PerformanceConfig struct {
	Enabled             bool                          `yaml:"enabled"`
	HTTPElapsedMSMax    *int                          `yaml:"http_elapsed_ms_max"`
	BrowserElapsedMSMax *int                          `yaml:"browser_elapsed_ms_max"`
	PerDomainOverrides  map[string]PerformanceLimits  `yaml:"per_domain_overrides"`
}

// PerformanceLimits is one per-domain override pair.
type PerformanceLimits struct {
	HTTPElapsedMSMax    *int `yaml:"http_elapsed_ms_max"`
	BrowserElapsedMSMax *int `yaml:"browser_elapsed_ms_max"`
}

// Caps resolves the limits for one domain.
func (p PerformanceConfig) Caps(domain string) (httpMax, browserMax *int) {
	httpMax, browserMax = p.HTTPElapsedMSMax, p.BrowserElapsedMSMax
	if o, ok := p.PerDomainOverrides[domain]; ok {
		if o.HTTPElapsedMSMax != nil {
			httpMax = o.HTTPElapsedMSMax
		}
		if o.BrowserElapsedMSMax != nil {
			browserMax = o.BrowserElapsedMSMax
		}
	}
	return httpMax, browserMax
}

// SLOConfig drives error-budget burn alerting.
type SLOConfig struct {
	TargetPercent *float64               `yaml:"target_percent"`
	BurnRateRules []history.BurnRateRule `yaml:"burn_rate_rules"`
}

// TLSConfig tunes certificate expiry checks.
type TLSConfig struct {
	Enabled        bool    `yaml:"enabled"`
	MinDaysValid   float64 `yaml:"min_days_valid"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
}

// DNSConfig tunes resolution checks.
type DNSConfig struct {
	Enabled             bool                `yaml:"enabled"`
	Resolvers           []string            `yaml:"resolvers"`
	TimeoutSeconds      float64             `yaml:"timeout_seconds"`
	RequireIPv4         bool                `yaml:"require_ipv4"`
	RequireIPv6         bool                `yaml:"require_ipv6"`
	AlertOnDrift        bool                `yaml:"alert_on_drift"`
	ExpectedIPsByDomain map[string][]string `yaml:"expected_ips_by_domain"`
}

// HostHealthConfig gates local host checks.
type HostHealthConfig struct {
	Enabled    bool                 `yaml:"enabled"`
	DiskPaths  []string             `yaml:"disk_paths"`
	Thresholds hostcheck.Thresholds `yaml:"thresholds"`
}

// NginxConfig points the monitor at the edge proxy's logs.
type NginxConfig struct {
	AccessLogPath string `yaml:"access_log_path"`
	ErrorLogPath  string `yaml:"error_log_path"`
	WindowSeconds int    `yaml:"window_seconds"`
}

// WebVitalsConfig gates the Core Web Vitals measurements.
type WebVitalsConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	PostLoadWaitMS int                  `yaml:"post_load_wait_ms"`
	Thresholds     webvitals.Thresholds `yaml:"thresholds"`
}

// HeartbeatConfig schedules the daily status summaries.
type HeartbeatConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Timezone string   `yaml:"timezone"`
	Times    []string `yaml:"times"`
}

// Location resolves the configured timezone, falling back to UTC.
func (h HeartbeatConfig) Location() *time.Location {
	if strings.TrimSpace(h.Timezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(h.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DomainEntry is one entry of the domains list: either a bare domain
// string or a mapping with overrides and disablement.
type DomainEntry struct {
	Domain         string
	URL            string
	Disabled       bool
	DisabledReason string
	DisabledUntil  *time.Time

	Check                 CheckConfig
	Proxy                 *proxycheck.Config
	APIContractChecks     []apicontract.Check
	SyntheticTransactions []synthetic.Transaction
}

// IsDisabled applies both the static flag and the expiring window.
func (e DomainEntry) IsDisabled(now time.Time) bool {
	if e.Disabled {
		return true
	}
	return e.DisabledUntil != nil && now.Before(*e.DisabledUntil)
}

// CheckConfig is the inline per-domain probe tuning.
type CheckConfig struct {
	URL                     string       `yaml:"url"`
	ExpectedTitleContains   string       `yaml:"expected_title_contains"`
	RequiredSelectorsAll    selectorList `yaml:"required_selectors_all"`
	RequiredSelectorsAny    selectorList `yaml:"required_selectors_any"`
	RequiredTextAll         []string     `yaml:"required_text_all"`
	ForbiddenTextAny        []string     `yaml:"forbidden_text_any"`
	HTTPTimeoutSeconds      float64      `yaml:"http_timeout_seconds"`
	BrowserTimeoutSeconds   float64      `yaml:"browser_timeout_seconds"`
	ExpectedFinalHostSuffix string       `yaml:"expected_final_host_suffix"`
	AllowedStatusCodes      []int        `yaml:"allowed_status_codes"`
}

// selectorList accepts both bare selector strings and
// {selector, state} mappings.
type selectorList []probe.SelectorCheck

func (l *selectorList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw []interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	out := make([]probe.SelectorCheck, 0, len(raw))
	for i, item := range raw {
		switch v := item.(type) {
		case string:
			s := strings.TrimSpace(v)
			if s == "" {
				return errors.Errorf("selector[%d] is empty", i)
			}
			out = append(out, probe.SelectorCheck{Selector: s})
		case map[interface{}]interface{}:
			sel, _ := v["selector"].(string)
			sel = strings.TrimSpace(sel)
			if sel == "" {
				return errors.Errorf("selector[%d].selector is required", i)
			}
			state, _ := v["state"].(string)
			out = append(out, probe.SelectorCheck{
				Selector: sel,
				State:    probe.SelectorState(strings.TrimSpace(state)),
			})
		default:
			return errors.Errorf("selector[%d] must be a string or mapping", i)
		}
	}
	*l = out
	return nil
}

type rawDomainEntry struct {
	Domain         string      `yaml:"domain"`
	URL            string      `yaml:"url"`
	Disabled       bool        `yaml:"disabled"`
	Enabled        *bool       `yaml:"enabled"`
	DisabledReason string      `yaml:"disabled_reason"`
	DisabledUntil  interface{} `yaml:"disabled_until"`

	Check                 CheckConfig             `yaml:"check"`
	Proxy                 *proxycheck.Config      `yaml:"proxy"`
	APIContractChecks     []apicontract.Check     `yaml:"api_contract_checks"`
	SyntheticTransactions []synthetic.Transaction `yaml:"synthetic_transactions"`
}

func (e *DomainEntry) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return errors.New("domain entry is empty")
		}
		*e = DomainEntry{Domain: s}
		return nil
	}

	var raw rawDomainEntry
	if err := unmarshal(&raw); err != nil {
		return err
	}
	domain := strings.TrimSpace(raw.Domain)
	if domain == "" {
		return errors.New("domain entry requires a domain")
	}
	until, err := ParseDisabledUntil(raw.DisabledUntil)
	if err != nil {
		return errors.Wrapf(err, "domain %s", domain)
	}
	*e = DomainEntry{
		Domain:                domain,
		URL:                   strings.TrimSpace(raw.URL),
		Disabled:              raw.Disabled || (raw.Enabled != nil && !*raw.Enabled),
		DisabledReason:        strings.TrimSpace(raw.DisabledReason),
		DisabledUntil:         until,
		Check:                 raw.Check,
		Proxy:                 raw.Proxy,
		APIContractChecks:     raw.APIContractChecks,
		SyntheticTransactions: raw.SyntheticTransactions,
	}
	return nil
}

// ParseDisabledUntil accepts a unix timestamp (number or numeric
// string), an ISO-8601 datetime (naive datetimes are read as UTC), or
// a bare date meaning midnight UTC of that day.
func ParseDisabledUntil(value interface{}) (*time.Time, error) {
	if value == nil {
		return nil, nil
	}

	switch v := value.(type) {
	case int:
		return unixOrNil(float64(v)), nil
	case int64:
		return unixOrNil(float64(v)), nil
	case float64:
		return unixOrNil(v), nil
	}

	s := strings.TrimSpace(fmt.Sprintf("%v", value))
	if s == "" {
		return nil, nil
	}
	if ts, err := strconv.ParseFloat(s, 64); err == nil {
		return unixOrNil(ts), nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		utc := t.UTC()
		return &utc, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return &t, nil
		}
	}
	return nil, errors.Errorf("invalid disabled_until value %q; expected unix timestamp or ISO-8601 datetime/date", s)
}

func unixOrNil(ts float64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(int64(ts), 0).UTC()
	return &t
}

// Spec expands an entry into the immutable per-cycle probe spec.
func (e DomainEntry) Spec() probe.Spec {
	url := e.Check.URL
	if url == "" {
		url = e.URL
	}
	if url == "" {
		url = "https://" + strings.TrimSpace(e.Domain) + "/"
	}
	spec := probe.Spec{
		Domain:                  strings.ToLower(strings.TrimSpace(e.Domain)),
		URL:                     url,
		ExpectedTitleContains:   e.Check.ExpectedTitleContains,
		RequiredSelectorsAll:    e.Check.RequiredSelectorsAll,
		RequiredSelectorsAny:    e.Check.RequiredSelectorsAny,
		RequiredTextAll:         e.Check.RequiredTextAll,
		ForbiddenTextAny:        e.Check.ForbiddenTextAny,
		ExpectedFinalHostSuffix: e.Check.ExpectedFinalHostSuffix,
		AllowedStatusCodes:      e.Check.AllowedStatusCodes,
	}
	if e.Check.HTTPTimeoutSeconds > 0 {
		spec.HTTPTimeout = time.Duration(e.Check.HTTPTimeoutSeconds * float64(time.Second))
	}
	if e.Check.BrowserTimeoutSeconds > 0 {
		spec.BrowserTimeout = time.Duration(e.Check.BrowserTimeoutSeconds * float64(time.Second))
	}
	return spec.Normalized()
}

// Load reads and validates the config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	return Parse(raw)
}

// Parse decodes and validates a config document, applying defaults.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}

	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 60
	}
	if cfg.BrowserConcurrency < 1 {
		cfg.BrowserConcurrency = 3
	}
	if cfg.CheckConcurrency < 1 {
		cfg.CheckConcurrency = 25
	}
	if cfg.Alerting.DownAfterFailures < 1 {
		cfg.Alerting.DownAfterFailures = 1
	}
	if cfg.Alerting.UpAfterSuccesses < 1 {
		cfg.Alerting.UpAfterSuccesses = 1
	}
	if cfg.History.RetentionDays < 1 {
		cfg.History.RetentionDays = 14
	}

	if len(cfg.Domains) == 0 {
		return nil, errors.New("config must contain a non-empty domains list")
	}
	seen := make(map[string]struct{}, len(cfg.Domains))
	for i := range cfg.Domains {
		e := &cfg.Domains[i]
		key := strings.ToLower(e.Domain)
		if _, dup := seen[key]; dup {
			return nil, errors.Errorf("duplicate domain entry: %s", e.Domain)
		}
		seen[key] = struct{}{}

		if reason, forced := ForcedDisabledDomains[key]; forced && !e.Disabled {
			e.Disabled = true
			if e.DisabledReason == "" {
				e.DisabledReason = reason
			}
		}
	}

	if cfg.Heartbeat.Enabled {
		if len(cfg.Heartbeat.Times) == 0 {
			return nil, errors.New("heartbeat.times must list at least one HH:MM entry when heartbeat is enabled")
		}
		for _, t := range cfg.Heartbeat.Times {
			if _, _, err := ParseHHMM(t); err != nil {
				return nil, err
			}
		}
	}

	return &cfg, nil
}

// ParseHHMM validates a 24h wall-clock time.
func ParseHHMM(value string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("invalid time (expected HH:MM): %q", value)
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errors.Errorf("invalid time (expected HH:MM): %q", value)
	}
	return hour, minute, nil
}

// Interval is the cycle period.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// HeartbeatTolerance is the window after a scheduled heartbeat time in
// which a cycle may still send it: two cycles, but never under two
// minutes.
func (c *Config) HeartbeatTolerance() time.Duration {
	tol := 2 * c.Interval()
	if tol < 2*time.Minute {
		tol = 2 * time.Minute
	}
	return tol
}
