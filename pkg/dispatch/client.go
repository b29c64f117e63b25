// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package dispatch talks to the remote Dispatcher service: it enqueues
// a read-only investigation job, polls it to a terminal state, tails
// the run log and extracts the agent's final message.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TokenHeader carries the dispatcher bearer token.
const TokenHeader = "X-PitchAI-Dispatch-Token"

// Config holds the dispatcher endpoint and polling knobs.
type Config struct {
	BaseURL      string
	Token        string
	Model        string
	PollInterval time.Duration
	MaxWait      time.Duration
	LogTailBytes int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Minute
	}
	if c.LogTailBytes <= 0 {
		c.LogTailBytes = 250_000
	}
	return c
}

// Client is safe for use from the monitor cycle goroutine; every call
// is bounded by its context or the configured max wait.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a dispatcher client; a nil http.Client gets a
// default with a generous per-request timeout (polling is bounded
// separately by MaxWait).
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg.withDefaults(), http: httpClient}
}

// JobRequest is the enqueue payload.
type JobRequest struct {
	Prompt      string   `json:"prompt"`
	ConfigTOML  string   `json:"config_toml"`
	Model       string   `json:"model,omitempty"`
	StateKey    string   `json:"state_key,omitempty"`
	PreCommands []string `json:"pre_commands,omitempty"`
}

// Status is the polled run status. Record is kept raw since its shape
// varies across dispatcher versions.
type Status struct {
	QueueState   string          `json:"queue_state"`
	RunnerStatus string          `json:"runner_status"`
	ThreadID     string          `json:"thread_id"`
	LiveStatus   string          `json:"live_status"`
	Record       json.RawMessage `json:"record"`
}

// StatusError carries the HTTP status of a failed dispatcher call so
// the caller can apply the auth/rate-limit disable policy.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dispatcher returned status %d: %s", e.Code, e.Body)
}

// ParseDispatchResponse parses the plain-text enqueue response of shape
// queued:<bundle>:runner:<container_or_already_running_or_error...>.
// The runner part may itself contain colons.
func ParseDispatchResponse(text string) (bundle, runner string, err error) {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "queued:") {
		return "", "", errors.Errorf("unexpected dispatch response: %q", s)
	}
	rest := strings.TrimPrefix(s, "queued:")
	idx := strings.Index(rest, ":runner:")
	if idx < 0 {
		return "", "", errors.Errorf("unexpected dispatch response: %q", s)
	}
	bundle = strings.TrimSpace(rest[:idx])
	runner = strings.TrimSpace(rest[idx+len(":runner:"):])
	if bundle == "" {
		return "", "", errors.Errorf("unexpected dispatch response: %q", s)
	}
	return bundle, runner, nil
}

// RunUIURL returns the human-facing page for a bundle.
func RunUIURL(baseURL, bundle string) string {
	return strings.TrimRight(baseURL, "/") + "/ui/runs/" + bundle
}

// Dispatch enqueues a job and returns (bundle, runner).
func (c *Client) Dispatch(ctx context.Context, job JobRequest) (string, string, error) {
	if job.Model == "" {
		job.Model = c.cfg.Model
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/dispatch", bytes.NewReader(payload))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", errors.Wrap(err, "dispatch request failed")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return ParseDispatchResponse(string(body))
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set(TokenHeader, c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body[:min(len(body), 512)]))}
	}
	return json.Unmarshal(body, out)
}

// GetRunStatus fetches /runs/{bundle}/status.
func (c *Client) GetRunStatus(ctx context.Context, bundle string) (Status, error) {
	var st Status
	err := c.getJSON(ctx, "/runs/"+bundle+"/status", nil, &st)
	return st, err
}

// GetRunRecord fetches /runs/{bundle}/record, the fallback surface for
// dispatcher versions that do not expose /status.
func (c *Client) GetRunRecord(ctx context.Context, bundle string) (map[string]interface{}, error) {
	var rec map[string]interface{}
	err := c.getJSON(ctx, "/runs/"+bundle+"/record", nil, &rec)
	return rec, err
}

// IsTerminalQueueState reports whether a queue state will not change
// anymore.
func IsTerminalQueueState(queueState string) bool {
	switch queueState {
	case "processed", "failed", "runner_error":
		return true
	}
	return false
}

// ErrWaitTimeout is returned when a run does not reach a terminal
// state within MaxWait.
var ErrWaitTimeout = errors.New("timed out waiting for dispatcher run to finish")

// WaitForTerminalStatus polls until the run reaches a terminal queue
// state or MaxWait elapses. Transient 5xx responses are tolerated; a
// 404 falls back to the record endpoint.
func (c *Client) WaitForTerminalStatus(ctx context.Context, bundle string) (Status, error) {
	deadline := time.Now().Add(c.cfg.MaxWait)
	var last Status

	for {
		st, err := c.GetRunStatus(ctx, bundle)
		switch {
		case err == nil:
			last = st
		default:
			var se *StatusError
			if !errors.As(err, &se) {
				return last, err
			}
			switch {
			case se.Code == http.StatusNotFound:
				rec, recErr := c.GetRunRecord(ctx, bundle)
				if recErr != nil {
					return last, recErr
				}
				qs, _ := rec["status"].(string)
				raw, _ := json.Marshal(rec)
				last = Status{QueueState: qs, Record: raw}
			case se.Code >= 500:
				// Transient; keep polling.
			default:
				// 401/403/429 and other client errors will not clear up
				// on their own; surface them so the gate can react.
				return last, err
			}
		}

		if IsTerminalQueueState(last.QueueState) {
			return last, nil
		}
		if time.Now().After(deadline) {
			return last, errors.Wrapf(ErrWaitTimeout, "bundle=%s", bundle)
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

type logChunk struct {
	Exists     bool   `json:"exists"`
	Offset     int64  `json:"offset"`
	NextOffset int64  `json:"next_offset"`
	Size       int64  `json:"size"`
	EOF        bool   `json:"eof"`
	Content    string `json:"content"`
}

// GetLogTail fetches the last LogTailBytes of the run log. Size is
// discovered with a one-byte probe first; an absent or empty log
// yields "".
func (c *Client) GetLogTail(ctx context.Context, bundle string) (string, error) {
	path := "/runs/" + bundle + "/log"

	var head logChunk
	params := url.Values{"offset": {"0"}, "max_bytes": {"1"}}
	if err := c.getJSON(ctx, path, params, &head); err != nil {
		return "", err
	}
	if !head.Exists {
		return "", nil
	}

	maxBytes := c.cfg.LogTailBytes
	if maxBytes > 5_000_000 {
		maxBytes = 5_000_000
	}
	offset := head.Size - int64(maxBytes)
	if offset < 0 {
		offset = 0
	}

	var tail logChunk
	params = url.Values{
		"offset":    {fmt.Sprintf("%d", offset)},
		"max_bytes": {fmt.Sprintf("%d", maxBytes)},
	}
	if err := c.getJSON(ctx, path, params, &tail); err != nil {
		return "", err
	}
	return tail.Content, nil
}
