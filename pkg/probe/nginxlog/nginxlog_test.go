// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package nginxlog

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func accessLine(ts time.Time, status int) string {
	return fmt.Sprintf(`203.0.113.7 - - [%s] "GET /checkout HTTP/1.1" %d 512 "-" "Mozilla/5.0"`,
		ts.Format("02/Jan/2006:15:04:05 -0700"), status)
}

func TestComputeAccessWindowStats(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	lines := []string{
		accessLine(now.Add(-10*time.Minute), 200), // outside the window
		accessLine(now.Add(-4*time.Minute), 200),
		accessLine(now.Add(-3*time.Minute), 404),
		accessLine(now.Add(-2*time.Minute), 502),
		accessLine(now.Add(-1*time.Minute), 504),
		accessLine(now.Add(-30*time.Second), 500),
	}
	path := writeFile(t, "access.log", strings.Join(lines, "\n")+"\n")

	stats := ComputeAccessWindowStats(path, now, 5*time.Minute, AccessOptions{})
	require.NotNil(t, stats)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 3, stats.Status5xx)
	assert.Equal(t, 2, stats.Status502504)
	assert.Equal(t, 1, stats.Status4xx)
	// Samples come back in chronological order.
	require.Len(t, stats.SampleLines, 2)
	assert.Contains(t, stats.SampleLines[0], " 502 ")
	assert.Contains(t, stats.SampleLines[1], " 504 ")
}

func TestComputeAccessWindowStatsMissingLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.log")
	assert.Nil(t, ComputeAccessWindowStats(path, time.Now(), time.Minute, AccessOptions{}))
}

func TestComputeAccessWindowStatsGzipRotation(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "access.log.1.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(accessLine(now.Add(-time.Minute), 503) + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	stats := ComputeAccessWindowStats(path, now, 5*time.Minute, AccessOptions{})
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Status5xx)
}

func errorLine(ts time.Time, msg string) string {
	return fmt.Sprintf("%s [error] 1234#0: %s", ts.Format("2006/01/02 15:04:05"), msg)
}

func TestParseRecentUpstreamErrors(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, loc)
	lines := []string{
		errorLine(now.Add(-20*time.Minute), `upstream timed out, server: old.example, upstream: "http://127.0.0.1:9000/"`),
		errorLine(now.Add(-3*time.Minute), `connect() failed (111: Connection refused) while connecting to upstream, server: shop.example, upstream: "http://127.0.0.1:8080/cart"`),
		errorLine(now.Add(-2*time.Minute), `an upstream response is buffered to a temporary file`),
		errorLine(now.Add(-1*time.Minute), `no live upstreams while connecting to upstream, server: shop.example, upstream: "http://backend/"`),
		errorLine(now.Add(-30*time.Second), `open() "/var/www/favicon.ico" failed (2: No such file or directory)`),
	}
	path := writeFile(t, "error.log", strings.Join(lines, "\n")+"\n")

	events := ParseRecentUpstreamErrors(path, now, 5*time.Minute, loc, ErrorOptions{})
	require.Len(t, events, 2)
	// Chronological order, buffering noise and non-upstream lines dropped,
	// the 20-minute-old line is outside the window.
	assert.Contains(t, events[0].Message, "Connection refused")
	assert.Equal(t, "shop.example", events[0].Server)
	assert.Equal(t, "http://127.0.0.1:8080/cart", events[0].Upstream)
	assert.Contains(t, events[1].Message, "no live upstreams")
	assert.Equal(t, "error", events[1].Level)
}

func TestParseRecentUpstreamErrorsEmptyLog(t *testing.T) {
	path := writeFile(t, "error.log", "\n\n")
	assert.Empty(t, ParseRecentUpstreamErrors(path, time.Now(), time.Minute, time.UTC, ErrorOptions{}))
}

func TestSummarizeUpstreamErrors(t *testing.T) {
	events := []UpstreamErrorEvent{
		{Server: "a.example", Message: "m1"},
		{Server: "a.example", Message: "m2"},
		{Server: "a.example", Message: "m3"},
		{Server: "a.example", Message: "m4"},
		{Message: "orphan"},
	}
	sum := SummarizeUpstreamErrors(events)
	assert.Equal(t, 4, sum.CountsByServer["a.example"])
	assert.Equal(t, 1, sum.CountsByServer["(unknown)"])
	assert.Len(t, sum.SamplesByServer["a.example"], 3)
	assert.Equal(t, []string{"orphan"}, sum.SamplesByServer["(unknown)"])
}

func TestExtractKV(t *testing.T) {
	line := `upstream timed out, server: shop.example, upstream: "http://10.0.0.5:3000/api", host: "shop.example"`
	assert.Equal(t, "shop.example", extractKV(line, "server"))
	assert.Equal(t, "http://10.0.0.5:3000/api", extractKV(line, "upstream"))
	assert.Equal(t, "", extractKV(line, "request"))
}
