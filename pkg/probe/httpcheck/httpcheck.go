// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package httpcheck implements the raw HTTP layer of the domain probe:
// a GET with redirect following, status allow-list, forbidden-text scan
// over the visible body text and final-host verification.
package httpcheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pitchai/service-monitor/pkg/probe"
)

// UserAgent identifies the monitor to the probed services.
const UserAgent = "pitchai-service-monitor/1.0 (+https://monitoring.pitchai.net)"

// Body bytes read for the forbidden-text scan. Maintenance pages are
// small; this only guards against unbounded responses.
const maxBodyBytes = 2 << 20

// Outcome carries the HTTP layer result consumed by the scheduler and
// the proxy upstream check.
type Outcome struct {
	OK              bool
	StatusCode      *int
	FinalURL        string
	FinalHost       string
	ElapsedMS       float64
	ForbiddenHits   []string
	CapturedHeaders map[string]string
	Error           string
}

// Checker runs HTTP probes. A single Checker is shared by all domains
// in a cycle; per-probe timeouts come from the spec.
type Checker struct {
	client *http.Client
}

// New builds a Checker. A nil client gets a default that follows
// redirects and enforces per-request timeouts via context.
func New(client *http.Client) *Checker {
	if client == nil {
		client = &http.Client{}
	}
	return &Checker{client: client}
}

// Check GETs the spec URL and applies the HTTP layer rules. Errors are
// folded into the outcome; the method itself never fails.
func (c *Checker) Check(ctx context.Context, spec probe.Spec) Outcome {
	spec = spec.Normalized()

	ctx, cancel := context.WithTimeout(ctx, spec.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return Outcome{Error: fmt.Sprintf("http_error: %v", err)}
	}
	req.Header.Set("User-Agent", UserAgent)

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsedMS := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		return Outcome{ElapsedMS: elapsedMS, Error: fmt.Sprintf("http_error: %v", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	elapsedMS = float64(time.Since(start)) / float64(time.Millisecond)

	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	finalURL := spec.URL
	finalHost := ""
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = probe.SafeURL(resp.Request.URL.String())
		finalHost = resp.Request.URL.Hostname()
	}

	hits := probe.ForbiddenHits(probe.HTMLVisibleText(string(body)), spec.ForbiddenTextAny)
	status := resp.StatusCode

	out := Outcome{
		StatusCode:      &status,
		FinalURL:        finalURL,
		FinalHost:       finalHost,
		ElapsedMS:       elapsedMS,
		ForbiddenHits:   hits,
		CapturedHeaders: headers,
	}

	switch {
	case !spec.StatusAllowed(status):
		out.Error = fmt.Sprintf("http_error: unexpected status %d", status)
	case len(hits) > 0:
		out.Error = "forbidden_text: " + strings.Join(hits, ", ")
	case !probe.HostMatchesSuffix(finalHost, spec.ExpectedFinalHostSuffix):
		out.Error = fmt.Sprintf("final_host_mismatch: %s", finalHost)
	default:
		out.OK = true
	}
	return out
}
