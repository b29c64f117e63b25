// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package probe

import "strings"

// ReasonBrowserDegraded marks an outcome that must not be attributed
// to the monitored site: the browser itself failed. Such outcomes are
// excluded from the debounced effective state.
const ReasonBrowserDegraded = "browser_degraded"

// Driver error fragments that indicate a crashed or torn-down browser
// rather than a misbehaving page. The list is centralized so both the
// monitor probes and the runner sandbox classify identically.
var browserInfraFragments = []string{
	"page crashed",
	"target crashed",
	"target closed",
	"browser has been closed",
	"browser closed",
	"connection closed while reading from the driver",
	"websocket url timeout",
	"session closed",
	"context canceled while waiting for chrome",
}

// IsBrowserInfraError reports whether err looks like browser
// infrastructure failure.
func IsBrowserInfraError(err error) bool {
	if err == nil {
		return false
	}
	return IsBrowserInfraErrorText(err.Error())
}

// IsBrowserInfraErrorText is the string form used when the error
// crossed a process boundary (runner child results).
func IsBrowserInfraErrorText(msg string) bool {
	s := strings.ToLower(msg)
	for _, fragment := range browserInfraFragments {
		if strings.Contains(s, fragment) {
			return true
		}
	}
	return false
}
