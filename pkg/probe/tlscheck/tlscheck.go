// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package tlscheck inspects the certificate a domain serves and flags
// certificates that are close to expiry.
package tlscheck

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Result is one certificate inspection.
type Result struct {
	Domain        string   `json:"domain"`
	OK            bool     `json:"ok"`
	Host          string   `json:"host,omitempty"`
	Port          int      `json:"port,omitempty"`
	NotAfter      string   `json:"not_after,omitempty"`
	DaysRemaining *float64 `json:"days_remaining,omitempty"`
	Issuer        string   `json:"issuer,omitempty"`
	Subject       string   `json:"subject,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// HostPortFromURL extracts the TLS endpoint from an https URL; ok is
// false for other schemes.
func HostPortFromURL(raw string) (host string, port int, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Hostname() == "" {
		return "", 0, false
	}
	port = 443
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return u.Hostname(), port, true
}

// Checker dials TLS endpoints. DialFunc is swappable for tests.
type Checker struct {
	MinDaysValid float64
	Timeout      time.Duration
	DialFunc     func(ctx context.Context, network, addr string, cfg *tls.Config) (*tls.Conn, error)
}

// New builds a Checker with the configured expiry floor and timeout.
func New(minDaysValid float64, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{MinDaysValid: minDaysValid, Timeout: timeout}
}

func (c *Checker) dial(ctx context.Context, addr string, cfg *tls.Config) (*tls.Conn, error) {
	if c.DialFunc != nil {
		return c.DialFunc(ctx, "tcp", addr, cfg)
	}
	d := &tls.Dialer{NetDialer: &net.Dialer{}, Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return conn.(*tls.Conn), nil
}

// Check connects to the https endpoint behind the spec URL and
// evaluates the leaf certificate. Non-https URLs return ok with a note
// since there is nothing to inspect.
func (c *Checker) Check(ctx context.Context, domain, rawURL string) Result {
	host, port, isTLS := HostPortFromURL(rawURL)
	if !isTLS {
		return Result{Domain: domain, OK: true, Error: "not_https"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	conn, err := c.dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)), &tls.Config{ServerName: host})
	if err != nil {
		return Result{Domain: domain, OK: false, Host: host, Port: port, Error: fmt.Sprintf("tls_error: %v", err)}
	}
	defer conn.Close()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return Result{Domain: domain, OK: false, Host: host, Port: port, Error: "missing_peer_certificate"}
	}
	leaf := certs[0]

	days := time.Until(leaf.NotAfter).Hours() / 24.0
	res := Result{
		Domain:        domain,
		Host:          host,
		Port:          port,
		NotAfter:      leaf.NotAfter.UTC().Format(time.RFC3339),
		DaysRemaining: &days,
		Issuer:        leaf.Issuer.String(),
		Subject:       leaf.Subject.String(),
	}
	if days < c.MinDaysValid {
		res.Error = fmt.Sprintf("expires_soon: days_remaining=%.2f < %.2f", days, c.MinDaysValid)
		return res
	}
	res.OK = true
	return res
}
