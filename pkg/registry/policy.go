// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package registry

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Stable policy error kinds surfaced to API clients.
var (
	ErrBaseURLInvalid      = errors.New("base_url_invalid")
	ErrBaseURLReservedHost = errors.New("base_url_reserved_host")
	ErrBaseURLNotAllowed   = errors.New("base_url_not_allowed_host")
	ErrBaseURLNotMonitored = errors.New("base_url_not_monitored_domain")
)

// Documentation and placeholder domains never point at anything a test
// should run against.
var reservedHostSuffixes = []string{
	"example.com", "example.org", "example.net",
	".example", ".invalid", ".test",
}

// BaseURLPolicy gates the base_url of created and uploaded tests. In
// strict mode the host must match either the env-supplied allowlist or
// the monitored-domain set; outside strict mode only reserved hosts are
// rejected.
type BaseURLPolicy struct {
	Strict bool

	// AllowedHosts is the explicit allowlist (lowercase). When empty,
	// strict mode falls back to MonitoredDomains.
	AllowedHosts []string

	// MonitoredDomains is the domain set from the monitor's config.
	MonitoredDomains []string
}

// NewBaseURLPolicy builds the policy from settings plus the monitored
// domain set.
func NewBaseURLPolicy(s Settings, monitoredDomains []string) BaseURLPolicy {
	return BaseURLPolicy{
		Strict:           s.StrictBaseURLPolicy,
		AllowedHosts:     s.AllowedBaseURLHosts,
		MonitoredDomains: monitoredDomains,
	}
}

// Validate checks a raw base_url against the policy. The returned error
// is one of the stable kinds above.
func (p BaseURLPolicy) Validate(rawURL string) error {
	host, err := baseURLHost(rawURL)
	if err != nil {
		return ErrBaseURLInvalid
	}
	if hostIsReserved(host) {
		return ErrBaseURLReservedHost
	}
	if !p.Strict {
		return nil
	}

	if len(p.AllowedHosts) > 0 {
		for _, allowed := range p.AllowedHosts {
			if host == allowed || strings.HasSuffix(host, "."+allowed) {
				return nil
			}
		}
		return ErrBaseURLNotAllowed
	}

	for _, d := range p.MonitoredDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return nil
		}
	}
	return ErrBaseURLNotMonitored
}

// HostAllowed reports whether a host already stored on a test still
// passes the policy. Used by the quarantine sweep.
func (p BaseURLPolicy) HostAllowed(rawURL string) bool {
	return p.Validate(rawURL) == nil
}

func baseURLHost(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.New("missing host")
	}
	return host, nil
}

func hostIsReserved(host string) bool {
	for _, suffix := range reservedHostSuffixes {
		if strings.HasPrefix(suffix, ".") {
			if strings.HasSuffix(host, suffix) {
				return true
			}
			continue
		}
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
