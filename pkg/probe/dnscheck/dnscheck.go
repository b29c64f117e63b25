// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package dnscheck resolves A and AAAA records for the monitored
// domains and evaluates them against required families, pinned
// expected IPs and drift relative to the previous cycle.
package dnscheck

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Result is one domain's DNS evaluation.
type Result struct {
	Domain        string   `json:"domain"`
	OK            bool     `json:"ok"`
	ARecords      []string `json:"a_records"`
	AAAARecords   []string `json:"aaaa_records"`
	Error         string   `json:"error,omitempty"`
	DriftDetected bool     `json:"drift_detected"`
	ExpectedIPs   []string `json:"expected_ips,omitempty"`
}

// Resolver answers a single-type DNS query. Swapped for a fake in
// tests.
type Resolver interface {
	Lookup(ctx context.Context, domain string, qtype uint16) ([]string, error)
}

// ClientResolver queries the configured nameservers in order with
// miekg/dns, falling back to the next server on network failure. An
// empty server list uses the system resolver configuration.
type ClientResolver struct {
	Servers []string
	Timeout time.Duration

	once    sync.Once
	servers []string
	client  *dns.Client
}

func (r *ClientResolver) init() {
	timeout := r.Timeout
	if timeout < 500*time.Millisecond {
		timeout = 500 * time.Millisecond
	}
	r.client = &dns.Client{Timeout: timeout}

	for _, s := range r.Servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		r.servers = append(r.servers, s)
	}
	if len(r.servers) == 0 {
		if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
			for _, s := range conf.Servers {
				r.servers = append(r.servers, net.JoinHostPort(s, conf.Port))
			}
		}
	}
	if len(r.servers) == 0 {
		r.servers = []string{"127.0.0.1:53"}
	}
}

// Lookup resolves one record type. NXDOMAIN is an error; an empty
// answer (e.g. no AAAA) is a normal empty result.
func (r *ClientResolver) Lookup(ctx context.Context, domain string, qtype uint16) ([]string, error) {
	r.once.Do(r.init)

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
			var out []string
			for _, rr := range resp.Answer {
				switch v := rr.(type) {
				case *dns.A:
					out = append(out, v.A.String())
				case *dns.AAAA:
					out = append(out, v.AAAA.String())
				}
			}
			return out, nil
		case dns.RcodeNameError:
			return nil, errors.Errorf("NXDOMAIN: %s", domain)
		default:
			lastErr = errors.Errorf("rcode %s for %s", dns.RcodeToString[resp.Rcode], domain)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no resolvers configured")
	}
	return nil, lastErr
}

// Expectations carries the per-domain evaluation inputs gathered from
// config and the previous cycle's state.
type Expectations struct {
	RequireIPv4  bool
	RequireIPv6  bool
	ExpectedIPs  []string
	PreviousIPs  []string
	AlertOnDrift bool
}

// Check resolves one domain and evaluates it.
func Check(ctx context.Context, resolver Resolver, domain string, exp Expectations) Result {
	cleaned := strings.ToLower(strings.TrimSpace(domain))

	var errParts []string
	a, err := resolver.Lookup(ctx, cleaned, dns.TypeA)
	if err != nil {
		errParts = append(errParts, fmt.Sprintf("A: %v", err))
		a = nil
	}
	aaaa, err := resolver.Lookup(ctx, cleaned, dns.TypeAAAA)
	if err != nil {
		errParts = append(errParts, fmt.Sprintf("AAAA: %v", err))
		aaaa = nil
	}

	return evaluate(cleaned, dedupeSorted(a), dedupeSorted(aaaa), errParts, exp)
}

func evaluate(domain string, a, aaaa, errParts []string, exp Expectations) Result {
	cur := make(map[string]struct{}, len(a)+len(aaaa))
	for _, ip := range a {
		cur[ip] = struct{}{}
	}
	for _, ip := range aaaa {
		cur[ip] = struct{}{}
	}

	ok := true
	addErr := func(msg string) {
		ok = false
		errParts = append(errParts, msg)
	}

	if exp.RequireIPv4 && len(a) == 0 {
		if len(errParts) == 0 {
			addErr("missing_A_record")
		} else {
			ok = false
		}
	}
	if exp.RequireIPv6 && len(aaaa) == 0 {
		addErr("missing_AAAA_record")
	}
	if len(cur) == 0 {
		if len(errParts) == 0 {
			addErr("no_dns_records")
		} else {
			ok = false
		}
	}

	if len(exp.ExpectedIPs) > 0 {
		matched := false
		for _, ip := range exp.ExpectedIPs {
			if _, found := cur[strings.TrimSpace(ip)]; found {
				matched = true
				break
			}
		}
		if !matched {
			addErr("expected_ip_mismatch")
		}
	}

	drift := false
	if len(exp.PreviousIPs) > 0 && len(cur) > 0 {
		prev := make(map[string]struct{}, len(exp.PreviousIPs))
		for _, ip := range exp.PreviousIPs {
			prev[strings.TrimSpace(ip)] = struct{}{}
		}
		if !sameSet(cur, prev) {
			drift = true
			if exp.AlertOnDrift {
				addErr("drift_detected")
			}
		}
	}

	res := Result{
		Domain:        domain,
		OK:            ok,
		ARecords:      a,
		AAAARecords:   aaaa,
		DriftDetected: drift,
		ExpectedIPs:   exp.ExpectedIPs,
	}
	if len(errParts) > 0 {
		res.Error = strings.Join(errParts, "; ")
	}
	return res
}

// CheckAll resolves the domains concurrently under a bounded worker
// pool and returns results sorted by domain.
func CheckAll(ctx context.Context, resolver Resolver, exps map[string]Expectations, concurrency int) []Result {
	if concurrency < 1 {
		concurrency = 50
	}
	sem := make(chan struct{}, concurrency)
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []Result
	)
	for domain, exp := range exps {
		wg.Add(1)
		go func(domain string, exp Expectations) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			res := Check(ctx, resolver, domain, exp)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(domain, exp)
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Domain < results[j].Domain })
	return results
}

func dedupeSorted(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func sameSet(a map[string]struct{}, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
