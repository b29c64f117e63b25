// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package nginxlog tails nginx access and error logs and derives
// recent-window error statistics and upstream failure events.
package nginxlog

import (
	"compress/gzip"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var accessRE = regexp.MustCompile(
	`^\S+\s+\S+\s+\S+\s+\[([^\]]+)\]\s+"([^"]*)"\s+(\d{3})\s+(\S+)\s+"([^"]*)"\s+"([^"]*)"`)

var errorTSRE = regexp.MustCompile(`^(\d{4}/\d{2}/\d{2}\s+\d{2}:\d{2}:\d{2})\s+\[(\w+)\]\s+`)

const (
	accessTimeLayout = "02/Jan/2006:15:04:05 -0700"
	errorTimeLayout  = "2006/01/02 15:04:05"
)

// tailBytes reads the last maxBytes of a log file. Rotated .gz files
// are decompressed in full first, so keep maxBytes modest for those.
// Errors degrade to an empty string: a missing log is not a monitoring
// failure.
func tailBytes(path string, maxBytes int) string {
	if maxBytes < 1 {
		maxBytes = 1
	}
	if strings.HasSuffix(path, ".gz") {
		f, err := os.Open(path)
		if err != nil {
			return ""
		}
		defer f.Close()
		zr, err := gzip.NewReader(f)
		if err != nil {
			return ""
		}
		defer zr.Close()
		data, err := io.ReadAll(zr)
		if err != nil {
			return ""
		}
		if len(data) > maxBytes {
			data = data[len(data)-maxBytes:]
		}
		return string(data)
	}

	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	size := info.Size()
	n := int64(maxBytes)
	if n > size {
		n = size
	}
	if n < 1 {
		return ""
	}
	if _, err := f.Seek(size-n, io.SeekStart); err != nil {
		return ""
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(f, raw); err != nil {
		return ""
	}
	return string(raw)
}

// AccessWindowStats counts responses in the recent window of an access
// log tail.
type AccessWindowStats struct {
	Total        int      `json:"total"`
	Status5xx    int      `json:"status_5xx"`
	Status502504 int      `json:"status_502_504"`
	Status4xx    int      `json:"status_4xx"`
	SampleLines  []string `json:"sample_lines,omitempty"`
}

// AccessOptions tunes the access log scan.
type AccessOptions struct {
	MaxBytes    int
	SampleLimit int
}

func (o AccessOptions) withDefaults() AccessOptions {
	if o.MaxBytes <= 0 {
		o.MaxBytes = 1_000_000
	}
	if o.SampleLimit <= 0 {
		o.SampleLimit = 8
	}
	return o
}

// ComputeAccessWindowStats scans the tail of an access log backwards
// and counts requests newer than now-window. A missing or empty log
// returns nil (no data, distinct from a zero-traffic window).
func ComputeAccessWindowStats(accessLogPath string, now time.Time, window time.Duration, opts AccessOptions) *AccessWindowStats {
	opts = opts.withDefaults()
	txt := tailBytes(accessLogPath, opts.MaxBytes)
	if strings.TrimSpace(txt) == "" {
		return nil
	}
	if window < time.Second {
		window = time.Second
	}
	cutoff := now.Add(-window)

	stats := &AccessWindowStats{}
	var samples []string

	lines := strings.Split(txt, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		m := accessRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ts, err := time.Parse(accessTimeLayout, m[1])
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			// The tail is chronological, older entries follow.
			break
		}
		status, err := strconv.Atoi(m[3])
		if err != nil {
			status = 0
		}

		stats.Total++
		if status >= 500 && status < 600 {
			stats.Status5xx++
		}
		if status == 502 || status == 504 {
			stats.Status502504++
		}
		if status >= 400 && status < 500 {
			stats.Status4xx++
		}
		if (status == 502 || status == 503 || status == 504) && len(samples) < opts.SampleLimit {
			samples = append(samples, truncate(line, 800))
		}
	}

	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	stats.SampleLines = samples
	return stats
}

// UpstreamErrorEvent is one upstream failure pulled from the error log.
type UpstreamErrorEvent struct {
	TS       string `json:"ts"`
	Level    string `json:"level"`
	Server   string `json:"server,omitempty"`
	Upstream string `json:"upstream,omitempty"`
	Message  string `json:"message"`
}

// ErrorOptions tunes the error log scan.
type ErrorOptions struct {
	MaxBytes  int
	MaxEvents int
}

func (o ErrorOptions) withDefaults() ErrorOptions {
	if o.MaxBytes <= 0 {
		o.MaxBytes = 1_000_000
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = 200
	}
	return o
}

// extractKV pulls `key: value` out of an nginx error line, stopping at
// the next comma.
func extractKV(line, key string) string {
	marker := key + ": "
	idx := strings.Index(line, marker)
	if idx < 0 {
		return ""
	}
	rest := line[idx+len(marker):]
	if c := strings.Index(rest, ","); c >= 0 {
		rest = rest[:c]
	}
	return strings.Trim(strings.TrimSpace(rest), `"`)
}

// ParseRecentUpstreamErrors scans the tail of an error log backwards
// for upstream failures newer than now-window. Error log timestamps
// carry no zone, so loc supplies the host's.
func ParseRecentUpstreamErrors(errorLogPath string, now time.Time, window time.Duration, loc *time.Location, opts ErrorOptions) []UpstreamErrorEvent {
	opts = opts.withDefaults()
	if loc == nil {
		loc = time.Local
	}
	txt := tailBytes(errorLogPath, opts.MaxBytes)
	if strings.TrimSpace(txt) == "" {
		return nil
	}
	if window < time.Second {
		window = time.Second
	}
	cutoff := now.Add(-window)

	var events []UpstreamErrorEvent
	lines := strings.Split(txt, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		s := strings.TrimSpace(lines[i])
		if s == "" {
			continue
		}
		m := errorTSRE.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		ts, err := time.ParseInLocation(errorTimeLayout, m[1], loc)
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			break
		}

		low := strings.ToLower(s)
		if !strings.Contains(low, "upstream") && !strings.Contains(low, "connect()") {
			continue
		}
		if !containsAny(low, "timed out", "failed", "refused", "no live upstreams", "upstream prematurely closed") {
			// Keep other upstream warnings but drop pure buffering noise.
			if strings.Contains(low, "upstream response is buffered") {
				continue
			}
		}

		events = append(events, UpstreamErrorEvent{
			TS:       m[1],
			Level:    m[2],
			Server:   extractKV(s, "server"),
			Upstream: extractKV(s, "upstream"),
			Message:  truncate(s, 1000),
		})
		if len(events) >= opts.MaxEvents {
			break
		}
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events
}

// UpstreamErrorSummary groups events per server block.
type UpstreamErrorSummary struct {
	CountsByServer  map[string]int      `json:"counts_by_server"`
	SamplesByServer map[string][]string `json:"samples_by_server"`
}

// SummarizeUpstreamErrors buckets events by the server name in the log
// line, keeping up to three sample messages each.
func SummarizeUpstreamErrors(events []UpstreamErrorEvent) UpstreamErrorSummary {
	out := UpstreamErrorSummary{
		CountsByServer:  make(map[string]int),
		SamplesByServer: make(map[string][]string),
	}
	for _, e := range events {
		server := e.Server
		if server == "" {
			server = "(unknown)"
		}
		out.CountsByServer[server]++
		if len(out.SamplesByServer[server]) < 3 {
			out.SamplesByServer[server] = append(out.SamplesByServer[server], e.Message)
		}
	}
	return out
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
