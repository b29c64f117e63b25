// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package runner executes registry tests: stepflows in-process against
// a shared headless browser, code-based tests in child processes.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/pitchai/service-monitor/pkg/registry"
)

// Client talks to the registry's runner endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a registry client. A nil http.Client gets a default
// with a request timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("registry returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out != nil {
		return json.Unmarshal(payload, out)
	}
	return nil
}

// Claim leases up to max due runs. Not retried: a lost response would
// leave a lease the registry has to reclaim via the lock timeout, so
// the claim is attempted once per loop iteration instead.
func (c *Client) Claim(ctx context.Context, max int) ([]registry.ClaimedRun, error) {
	var out struct {
		Runs []registry.ClaimedRun `json:"runs"`
	}
	if err := c.post(ctx, "/api/v1/runner/claim", map[string]int{"max_runs": max}, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// completeRetryDelay is a variable so tests can shrink it.
var completeRetryDelay = 2 * time.Second

// Complete reports the final outcome. Completion is idempotent on the
// registry side, so transient failures are retried.
func (c *Client) Complete(ctx context.Context, runID string, req registry.CompleteRequest) error {
	return retry.Do(
		func() error {
			return c.post(ctx, fmt.Sprintf("/api/v1/runner/runs/%s/complete", runID), req, nil)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(completeRetryDelay),
		retry.LastErrorOnly(true),
	)
}
