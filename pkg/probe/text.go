// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package probe

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	scriptAndStyleRE = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlTagRE        = regexp.MustCompile(`(?is)<[^>]+>`)
	whitespaceRE     = regexp.MustCompile(`\s+`)
)

// NormalizeText collapses whitespace and lower-cases, the form all
// substring scans run against.
func NormalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " ")))
}

// HTMLVisibleText approximates the visible text of an HTML document:
// script and style bodies are excised first so a maintenance phrase
// inside an inline script literal does not trip the forbidden scan,
// then the remaining tags are stripped.
func HTMLVisibleText(html string) string {
	withoutScripts := scriptAndStyleRE.ReplaceAllString(html, " ")
	withoutTags := htmlTagRE.ReplaceAllString(withoutScripts, " ")
	return NormalizeText(withoutTags)
}

// ForbiddenHits returns the phrases from forbidden that occur in the
// normalized text.
func ForbiddenHits(normalizedText string, forbidden []string) []string {
	var hits []string
	for _, kw := range forbidden {
		if kw == "" {
			continue
		}
		if strings.Contains(normalizedText, strings.ToLower(kw)) {
			hits = append(hits, kw)
		}
	}
	return hits
}

// SafeURL strips the query and fragment so large or sensitive
// querystrings do not bloat logs and dispatch prompts.
func SafeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}
	u, err := url.Parse(s)
	if err != nil {
		if len(s) > 500 {
			return s[:500]
		}
		return s
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// HostMatchesSuffix reports whether host equals suffix or ends with
// "." + suffix. Empty suffix always matches.
func HostMatchesSuffix(host, suffix string) bool {
	if suffix == "" {
		return true
	}
	h := strings.ToLower(strings.TrimSpace(host))
	sfx := strings.ToLower(strings.TrimSpace(suffix))
	return h == sfx || strings.HasSuffix(h, "."+sfx)
}
