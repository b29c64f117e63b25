// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package browser

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/pitchai/service-monitor/pkg/probe"
)

type fakePage struct {
	status    *int
	title     string
	bodyText  string
	url       string
	selectors map[string]bool
	navErr    error
	closed    bool
}

func (p *fakePage) AddInitScript(context.Context, string) error { return nil }

func (p *fakePage) Navigate(_ context.Context, _ string) (*int, error) {
	return p.status, p.navErr
}

func (p *fakePage) URL(context.Context) (string, error)   { return p.url, nil }
func (p *fakePage) Title(context.Context) (string, error) { return p.title, nil }

func (p *fakePage) BodyInnerText(context.Context) (string, error) { return p.bodyText, nil }

func (p *fakePage) WaitForSelector(ctx context.Context, selector, _ string) error {
	if p.selectors[selector] {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePage) Click(context.Context, string) error                  { return nil }
func (p *fakePage) Fill(context.Context, string, string) error           { return nil }
func (p *fakePage) Press(context.Context, string, string) error          { return nil }
func (p *fakePage) SelectorCount(context.Context, string) (int, error)   { return 0, nil }
func (p *fakePage) SetViewport(context.Context, int, int) error          { return nil }
func (p *fakePage) Screenshot(context.Context) ([]byte, error)           { return []byte{1}, nil }
func (p *fakePage) Evaluate(context.Context, string, interface{}) error  { return nil }
func (p *fakePage) Close() error                                         { p.closed = true; return nil }

type fakeBrowser struct {
	page      *fakePage
	pageErr   error
	connected bool
}

func (b *fakeBrowser) NewPage(context.Context, int, int) (Page, error) {
	if b.pageErr != nil {
		return nil, b.pageErr
	}
	return b.page, nil
}
func (b *fakeBrowser) Connected() bool { return b.connected }
func (b *fakeBrowser) Close() error    { b.connected = false; return nil }

func iptr(v int) *int { return &v }

func healthySpec() probe.Spec {
	return probe.Spec{
		Domain:                "shop.example",
		URL:                   "https://shop.example/",
		ExpectedTitleContains: "Shop",
		RequiredSelectorsAll:  []probe.SelectorCheck{{Selector: "#cart"}},
	}
}

func TestCheckHealthyPage(t *testing.T) {
	page := &fakePage{
		status:    iptr(200),
		title:     "My Shop - Home",
		bodyText:  "Welcome to the shop",
		url:       "https://shop.example/?utm=1",
		selectors: map[string]bool{"#cart": true},
	}
	b := &fakeBrowser{page: page, connected: true}

	out := Check(context.Background(), b, healthySpec())
	assert.True(t, out.OK, "details: %v", out.Details)
	assert.False(t, out.InfraError)
	assert.Equal(t, "https://shop.example/", out.Details["final_url"])
	assert.True(t, page.closed)
}

func TestCheckTitleMismatch(t *testing.T) {
	page := &fakePage{
		status:    iptr(200),
		title:     "Default Web Page",
		selectors: map[string]bool{"#cart": true},
	}
	b := &fakeBrowser{page: page, connected: true}

	out := Check(context.Background(), b, healthySpec())
	assert.False(t, out.OK)
	assert.Equal(t, false, out.Details["title_ok"])
}

func TestCheckForbiddenTextOnRenderedPage(t *testing.T) {
	page := &fakePage{
		status:    iptr(200),
		title:     "My Shop",
		bodyText:  "We are down for scheduled MAINTENANCE, back soon",
		selectors: map[string]bool{"#cart": true},
	}
	b := &fakeBrowser{page: page, connected: true}

	out := Check(context.Background(), b, healthySpec())
	assert.False(t, out.OK)
	assert.Equal(t, []string{"maintenance"}, out.Details["forbidden_hits"])
}

func TestCheckMissingRequiredSelector(t *testing.T) {
	page := &fakePage{status: iptr(200), title: "My Shop"}
	b := &fakeBrowser{page: page, connected: true}

	spec := healthySpec()
	spec.BrowserTimeout = 50 * time.Millisecond

	out := Check(context.Background(), b, spec)
	assert.False(t, out.OK)
	assert.Equal(t, []string{"#cart"}, out.Details["missing_selectors_all"])
}

func TestCheckAllSelectorsShareOneTimeout(t *testing.T) {
	page := &fakePage{status: iptr(200), title: "My Shop"}
	b := &fakeBrowser{page: page, connected: true}

	// Three absent selectors each block until the deadline; run
	// concurrently they cost one timeout, not three.
	spec := healthySpec()
	spec.BrowserTimeout = 100 * time.Millisecond
	spec.RequiredSelectorsAll = []probe.SelectorCheck{
		{Selector: "#cart"},
		{Selector: "#nav"},
		{Selector: "#footer"},
	}

	started := time.Now()
	out := Check(context.Background(), b, spec)
	elapsed := time.Since(started)

	assert.False(t, out.OK)
	assert.Equal(t, []string{"#cart", "#nav", "#footer"}, out.Details["missing_selectors_all"])
	assert.Less(t, elapsed, 250*time.Millisecond)
}

func TestCheckAnySelectorRace(t *testing.T) {
	page := &fakePage{
		status:    iptr(200),
		title:     "My Shop",
		selectors: map[string]bool{"#cart": true, ".variant-b": true},
	}
	b := &fakeBrowser{page: page, connected: true}

	spec := healthySpec()
	spec.RequiredSelectorsAny = []probe.SelectorCheck{
		{Selector: ".variant-a"},
		{Selector: ".variant-b"},
	}
	out := Check(context.Background(), b, spec)
	assert.True(t, out.OK, "details: %v", out.Details)
	assert.Equal(t, true, out.Details["required_any_ok"])
}

func TestCheckGotoInfraError(t *testing.T) {
	page := &fakePage{navErr: errors.New("Target crashed")}
	b := &fakeBrowser{page: page, connected: true}

	out := Check(context.Background(), b, healthySpec())
	assert.False(t, out.OK)
	assert.True(t, out.InfraError)
	assert.Contains(t, out.Details["error"], "browser_goto_error")
}

func TestCheckGotoSiteError(t *testing.T) {
	page := &fakePage{navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	b := &fakeBrowser{page: page, connected: true}

	out := Check(context.Background(), b, healthySpec())
	assert.False(t, out.OK)
	assert.False(t, out.InfraError)
}

func TestCheckRedirectStatusAllowed(t *testing.T) {
	page := &fakePage{
		status:    iptr(302),
		title:     "My Shop",
		selectors: map[string]bool{"#cart": true},
	}
	b := &fakeBrowser{page: page, connected: true}

	out := Check(context.Background(), b, healthySpec())
	assert.True(t, out.OK)

	page.status = iptr(500)
	out = Check(context.Background(), b, healthySpec())
	assert.False(t, out.OK)
}

func TestCheckMissingText(t *testing.T) {
	page := &fakePage{
		status:    iptr(200),
		title:     "My Shop",
		bodyText:  "some   other\ncontent",
		selectors: map[string]bool{"#cart": true},
	}
	b := &fakeBrowser{page: page, connected: true}

	spec := healthySpec()
	spec.RequiredTextAll = []string{"Other Content", "checkout"}
	out := Check(context.Background(), b, spec)
	assert.False(t, out.OK)
	assert.Equal(t, []string{"checkout"}, out.Details["missing_text"])
}

func TestCheckPageOpenFailure(t *testing.T) {
	b := &fakeBrowser{pageErr: errors.New("browser has been closed"), connected: false}
	out := Check(context.Background(), b, healthySpec())
	assert.False(t, out.OK)
	assert.True(t, out.InfraError)
}
