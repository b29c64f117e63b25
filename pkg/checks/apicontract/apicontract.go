// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package apicontract probes JSON API endpoints and verifies their
// response contract: status, content type, required fields, pinned
// values and latency.
package apicontract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

const maxBodyBytes = 4 << 20

// Check is one endpoint contract from the domain config.
type Check struct {
	Name                        string                 `yaml:"name"`
	Method                      string                 `yaml:"method"`
	Path                        string                 `yaml:"path"`
	URL                         string                 `yaml:"url"`
	ExpectedStatusCodes         []int                  `yaml:"expected_status_codes"`
	ExpectedContentTypeContains *string                `yaml:"expected_content_type_contains"`
	JSONPathsRequired           []string               `yaml:"json_paths_required"`
	JSONPathsEqual              map[string]interface{} `yaml:"json_paths_equal"`
	MaxElapsedMS                *float64               `yaml:"max_elapsed_ms"`
	BodyJSON                    interface{}            `yaml:"body_json"`
	BodyText                    string                 `yaml:"body_text"`
	Headers                     map[string]string      `yaml:"headers"`
}

// Result is one contract evaluation.
type Result struct {
	Domain     string                 `json:"domain"`
	Name       string                 `json:"name"`
	OK         bool                   `json:"ok"`
	URL        string                 `json:"url"`
	StatusCode *int                   `json:"status_code,omitempty"`
	ElapsedMS  *float64               `json:"elapsed_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// GetPath walks a decoded JSON document along a dot path. Numeric
// segments index into arrays ("items.0.id").
func GetPath(obj interface{}, path string) (interface{}, bool) {
	cur := obj
	for _, seg := range strings.Split(path, ".") {
		s := strings.TrimSpace(seg)
		if s == "" {
			return nil, false
		}
		switch v := cur.(type) {
		case []interface{}:
			idx, err := strconv.Atoi(s)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		case map[string]interface{}:
			next, ok := v[s]
			if !ok {
				return nil, false
			}
			cur = next
		default:
			return nil, false
		}
	}
	return cur, true
}

// Runner executes contract checks with a shared HTTP client.
type Runner struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewRunner uses a 10s default timeout and a redirect-following client.
func NewRunner(client *http.Client) *Runner {
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{Client: client, Timeout: 10 * time.Second}
}

func (c Check) name() string {
	n := strings.TrimSpace(c.Name)
	if n == "" {
		n = strings.TrimSpace(c.Path)
	}
	if n == "" {
		n = strings.TrimSpace(c.URL)
	}
	if n == "" {
		n = "api_check"
	}
	if len(n) > 80 {
		n = n[:80]
	}
	return n
}

func (c Check) resolveURL(baseURL string) string {
	if u := strings.TrimSpace(c.URL); u != "" {
		return u
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	path := strings.TrimSpace(c.Path)
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if parsed, err := url.Parse(base + "/"); err == nil {
		if ref, err := url.Parse(strings.TrimPrefix(path, "/")); err == nil {
			return parsed.ResolveReference(ref).String()
		}
	}
	return base + path
}

// Run executes the configured checks for one domain sequentially and
// returns a result per check.
func (r *Runner) Run(ctx context.Context, domain, baseURL string, checks []Check) []Result {
	cleaned := strings.ToLower(strings.TrimSpace(domain))
	results := make([]Result, 0, len(checks))
	for _, check := range checks {
		results = append(results, r.runOne(ctx, cleaned, baseURL, check))
	}
	return results
}

func (r *Runner) runOne(ctx context.Context, domain, baseURL string, check Check) Result {
	res := Result{
		Domain:  domain,
		Name:    check.name(),
		URL:     check.resolveURL(baseURL),
		Details: map[string]interface{}{},
	}

	method := strings.ToUpper(strings.TrimSpace(check.Method))
	if method == "" {
		method = http.MethodGet
	}
	expectedStatuses := check.ExpectedStatusCodes
	if len(expectedStatuses) == 0 {
		expectedStatuses = []int{200}
	}
	expectedCT := "application/json"
	if check.ExpectedContentTypeContains != nil {
		expectedCT = strings.TrimSpace(*check.ExpectedContentTypeContains)
	}

	var body io.Reader
	contentType := ""
	switch {
	case check.BodyJSON != nil:
		raw, err := json.Marshal(check.BodyJSON)
		if err != nil {
			res.Error = fmt.Sprintf("body_encode_error: %v", err)
			return res
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	case check.BodyText != "":
		body = strings.NewReader(check.BodyText)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, res.URL, body)
	if err != nil {
		res.Error = fmt.Sprintf("request_error: %v", err)
		return res
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range check.Headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := r.Client.Do(req)
	elapsed := float64(time.Since(started)) / float64(time.Millisecond)
	res.ElapsedMS = &elapsed
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	res.StatusCode = &status
	res.Details["content_type"] = resp.Header.Get("Content-Type")
	res.Details["final_url"] = resp.Request.URL.String()

	for _, want := range expectedStatuses {
		if status == want {
			res.OK = true
			break
		}
	}
	if !res.OK {
		res.Error = fmt.Sprintf("unexpected_status: %d not in %v", status, expectedStatuses)
		return res
	}

	if expectedCT != "" {
		ct := strings.ToLower(resp.Header.Get("Content-Type"))
		if !strings.Contains(ct, strings.ToLower(expectedCT)) {
			res.OK = false
			res.Error = fmt.Sprintf("unexpected_content_type: %q missing %q", ct, expectedCT)
			return res
		}
	}

	var data interface{}
	if len(check.JSONPathsRequired) > 0 || len(check.JSONPathsEqual) > 0 {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err == nil {
			err = json.Unmarshal(raw, &data)
		}
		if err != nil {
			res.OK = false
			res.Error = fmt.Sprintf("json_parse_error: %v", err)
			return res
		}
	}

	if len(check.JSONPathsRequired) > 0 {
		var missing []string
		for _, p := range check.JSONPathsRequired {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := GetPath(data, p); !ok {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			res.OK = false
			res.Error = "missing_json_paths"
			res.Details["missing_json_paths"] = missing
			return res
		}
	}

	if len(check.JSONPathsEqual) > 0 {
		paths := make([]string, 0, len(check.JSONPathsEqual))
		for p := range check.JSONPathsEqual {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		var mismatches []string
		for _, p := range paths {
			got, ok := GetPath(data, p)
			if !ok {
				mismatches = append(mismatches, fmt.Sprintf("%s: missing", p))
				continue
			}
			if !jsonEqual(got, check.JSONPathsEqual[p]) {
				mismatches = append(mismatches, fmt.Sprintf("%s: got=%v expected=%v", p, got, check.JSONPathsEqual[p]))
			}
		}
		if len(mismatches) > 0 {
			res.OK = false
			res.Error = "json_value_mismatch"
			res.Details["json_mismatches"] = mismatches
			return res
		}
	}

	if check.MaxElapsedMS != nil && elapsed > *check.MaxElapsedMS {
		res.OK = false
		res.Error = fmt.Sprintf("slow_api: elapsed_ms=%.1f > %.1f", elapsed, *check.MaxElapsedMS)
	}
	return res
}

// jsonEqual compares a decoded JSON value with a config-supplied
// expectation. YAML decodes integers as int while JSON yields float64,
// so numbers compare by value.
func jsonEqual(got, expected interface{}) bool {
	if gf, ok := asFloat(got); ok {
		if ef, ok := asFloat(expected); ok {
			return gf == ef
		}
		return false
	}
	return reflect.DeepEqual(got, expected)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
