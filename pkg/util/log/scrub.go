// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package log

import "regexp"

// Credentials that can leak into log lines through request URLs or
// echoed headers. Telegram bot tokens ride in the URL path; dispatch
// and registry tokens ride in bearer or custom headers.
var scrubPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\bbot\d+:[\w-]{20,}`), "bot***"},
	{regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)\S+`), "${1}***"},
	{regexp.MustCompile(`(?i)(x-pitchai-dispatch-token:\s*)\S+`), "${1}***"},
	{regexp.MustCompile(`(?i)(token=)[\w-]+`), "${1}***"},
}

func scrub(s string) string {
	for _, p := range scrubPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}
