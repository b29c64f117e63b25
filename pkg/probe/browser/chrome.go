// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/pkg/errors"
)

// FindChromiumExecutable honors CHROMIUM_PATH and falls back to the
// usual install locations. Empty when nothing is found, in which case
// chromedp's own lookup takes over.
func FindChromiumExecutable() string {
	if p := os.Getenv("CHROMIUM_PATH"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	candidates := []string{
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func launchFlags(shmBytes int64) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.Headless,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("metrics-recording-only", true),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-features", "site-per-process"),
	}
	// Constrained /dev/shm (small by default in CI and some containers)
	// crashes renderers unless Chromium falls back to /tmp.
	if shmBytes < 512*1024*1024 {
		opts = append(opts, chromedp.Flag("disable-dev-shm-usage", true))
	}
	return opts
}

type chromeBrowser struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// Launch starts a headless Chromium through a fresh exec allocator.
// shmBytes is the size of /dev/shm as observed by the caller.
func Launch(ctx context.Context, chromiumPath string, shmBytes int64) (Browser, error) {
	opts := launchFlags(shmBytes)
	if chromiumPath != "" {
		opts = append(opts, chromedp.ExecPath(chromiumPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// Force the process to start now so launch failures surface here
	// rather than on the first probe.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, errors.Wrap(err, "launching chromium")
	}
	return &chromeBrowser{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func (b *chromeBrowser) Connected() bool {
	return b.browserCtx.Err() == nil
}

func (b *chromeBrowser) Close() error {
	b.browserCancel()
	b.allocCancel()
	return nil
}

func (b *chromeBrowser) NewPage(ctx context.Context, width, height int) (Page, error) {
	if !b.Connected() {
		return nil, errors.New("browser has been closed")
	}
	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)

	p := &chromePage{ctx: tabCtx, cancel: tabCancel}
	p.blockHeavyResources()

	if err := p.run(ctx,
		chromedp.EmulateViewport(int64(width), int64(height)),
		network.Enable(),
		fetch.Enable(),
	); err != nil {
		tabCancel()
		return nil, errors.Wrap(err, "opening tab")
	}
	return p, nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc

	statusMu   sync.Mutex
	lastStatus *int
}

// blockHeavyResources aborts image, media and font requests and lets
// everything else through. Also records the main document status for
// Navigate.
func (p *chromePage) blockHeavyResources() {
	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				c := chromedp.FromContext(p.ctx)
				exec := cdp.WithExecutor(p.ctx, c.Target)
				switch e.ResourceType {
				case network.ResourceTypeImage, network.ResourceTypeMedia, network.ResourceTypeFont:
					_ = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(exec)
				default:
					_ = fetch.ContinueRequest(e.RequestID).Do(exec)
				}
			}()
		case *network.EventResponseReceived:
			if e.Type == network.ResourceTypeDocument {
				status := int(e.Response.Status)
				p.statusMu.Lock()
				p.lastStatus = &status
				p.statusMu.Unlock()
			}
		}
	})
}

// run executes chromedp actions against this tab while honoring the
// caller's deadline.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (p *chromePage) AddInitScript(ctx context.Context, js string) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(js).Do(ctx)
		return err
	}))
}

// Navigate waits for DOMContentLoaded, not the load event: probe
// timings should not include slow images and third-party assets.
func (p *chromePage) Navigate(ctx context.Context, url string) (*int, error) {
	p.statusMu.Lock()
	p.lastStatus = nil
	p.statusMu.Unlock()

	domReady := make(chan struct{}, 1)
	listenCtx, stopListening := context.WithCancel(p.ctx)
	defer stopListening()
	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		if _, ok := ev.(*page.EventDomContentEventFired); ok {
			select {
			case domReady <- struct{}{}:
			default:
			}
		}
	})

	err := p.run(ctx, chromedp.ActionFunc(func(actionCtx context.Context) error {
		_, _, errText, err := page.Navigate(url).Do(actionCtx)
		if err != nil {
			return err
		}
		if errText != "" {
			return errors.New(errText)
		}
		return nil
	}))
	if err == nil {
		select {
		case <-domReady:
		case <-ctx.Done():
			err = ctx.Err()
		case <-p.ctx.Done():
			err = p.ctx.Err()
		}
	}

	p.statusMu.Lock()
	status := p.lastStatus
	p.statusMu.Unlock()
	return status, err
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var url string
	err := p.run(ctx, chromedp.Location(&url))
	return url, err
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, chromedp.Title(&title))
	return title, err
}

func (p *chromePage) BodyInnerText(ctx context.Context) (string, error) {
	var text string
	err := p.Evaluate(ctx, `document.body ? document.body.innerText : ''`, &text)
	return text, err
}

func (p *chromePage) WaitForSelector(ctx context.Context, selector, state string) error {
	var action chromedp.Action
	switch strings.TrimSpace(strings.ToLower(state)) {
	case "attached":
		action = chromedp.WaitReady(selector, chromedp.ByQuery)
	case "detached":
		action = chromedp.WaitNotPresent(selector, chromedp.ByQuery)
	case "hidden":
		action = chromedp.WaitNotVisible(selector, chromedp.ByQuery)
	default:
		action = chromedp.WaitVisible(selector, chromedp.ByQuery)
	}
	return p.run(ctx, action)
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *chromePage) Fill(ctx context.Context, selector, text string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

var keyNames = map[string]string{
	"enter":     kb.Enter,
	"tab":       kb.Tab,
	"escape":    kb.Escape,
	"backspace": kb.Backspace,
	"arrowdown": kb.ArrowDown,
	"arrowup":   kb.ArrowUp,
	"space":     " ",
}

func (p *chromePage) Press(ctx context.Context, selector, key string) error {
	mapped, ok := keyNames[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		mapped = key
	}
	if selector == "" {
		return p.run(ctx, chromedp.KeyEvent(mapped))
	}
	return p.run(ctx,
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.KeyEvent(mapped),
	)
}

func (p *chromePage) SelectorCount(ctx context.Context, selector string) (int, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return 0, err
	}
	var count int
	err = p.Evaluate(ctx, fmt.Sprintf(`document.querySelectorAll(%s).length`, sel), &count)
	return count, err
}

func (p *chromePage) SetViewport(ctx context.Context, width, height int) error {
	return p.run(ctx, chromedp.EmulateViewport(int64(width), int64(height)))
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.FullScreenshot(&buf, 90))
	return buf, err
}

func (p *chromePage) Evaluate(ctx context.Context, js string, out interface{}) error {
	if out == nil {
		return p.run(ctx, chromedp.Evaluate(js, nil))
	}
	return p.run(ctx, chromedp.Evaluate(js, out))
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}
