// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package browser drives a shared headless Chromium for the page
// probes. The Browser and Page interfaces hide chromedp so the checks
// on top stay testable with fakes.
package browser

import (
	"context"
)

// Browser owns a running Chromium instance and opens tabs.
type Browser interface {
	// NewPage opens a fresh tab with the given viewport. Image, media
	// and font requests are blocked to keep probe traffic light.
	NewPage(ctx context.Context, width, height int) (Page, error)
	// Connected reports whether the underlying process is still alive.
	Connected() bool
	Close() error
}

// Page is one tab.
type Page interface {
	// AddInitScript registers a script evaluated before every document
	// in this tab. Must be called before the first Navigate.
	AddInitScript(ctx context.Context, js string) error
	// Navigate loads the URL and waits for DOMContentLoaded. The
	// returned status is the main document response code, nil when no
	// document response was observed.
	Navigate(ctx context.Context, url string) (*int, error)
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	BodyInnerText(ctx context.Context) (string, error)
	// WaitForSelector blocks until the selector reaches the state
	// (attached, detached, visible, hidden) or ctx expires.
	WaitForSelector(ctx context.Context, selector, state string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, text string) error
	// Press sends a key to the selector, or to the page when selector
	// is empty.
	Press(ctx context.Context, selector, key string) error
	SelectorCount(ctx context.Context, selector string) (int, error)
	SetViewport(ctx context.Context, width, height int) error
	Screenshot(ctx context.Context) ([]byte, error)
	// Evaluate runs the JS expression and decodes the result into out
	// (a JSON-decodable pointer); out may be nil to discard.
	Evaluate(ctx context.Context, js string, out interface{}) error
	Close() error
}
