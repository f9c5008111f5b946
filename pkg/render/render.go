// Package render drives a headless browser to produce the text or markup
// of pages that require client-side rendering.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ErrRenderFailure covers non-success navigations and renderer crashes.
// It is a hard failure: no partial extraction happens.
var ErrRenderFailure = errors.New("render failure")

// Renderer extracts either the visible text or the full markup of a page,
// depending on caller need.
type Renderer interface {
	Text(ctx context.Context, url string) (string, error)
	HTML(ctx context.Context, url string) (string, error)
}

// Chrome renders pages in a headless Chromium instance. Every call gets a
// fresh browser context that is released on all exit paths, so repeated
// invocations cannot leak renderer processes.
type Chrome struct {
	// SettleDelay gives client-side frameworks time to paint after the
	// document is ready. Defaults to 2s.
	SettleDelay time.Duration
	// Timeout bounds one full render. Defaults to 45s.
	Timeout time.Duration
	// ExecPath optionally points at a specific Chromium binary.
	ExecPath string
}

func (c *Chrome) settle() time.Duration {
	if c.SettleDelay > 0 {
		return c.SettleDelay
	}
	return 2 * time.Second
}

func (c *Chrome) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 45 * time.Second
}

// Text renders url and returns the page's visible text.
func (c *Chrome) Text(ctx context.Context, url string) (string, error) {
	var out string
	err := c.run(ctx, url, chromedp.Evaluate(`document.body.innerText`, &out))
	return out, err
}

// HTML renders url and returns the full document markup.
func (c *Chrome) HTML(ctx context.Context, url string) (string, error) {
	var out string
	err := c.run(ctx, url, chromedp.OuterHTML("html", &out, chromedp.ByQuery))
	return out, err
}

func (c *Chrome) run(ctx context.Context, url string, extract chromedp.Action) error {
	ctx, cancelTimeout := context.WithTimeout(ctx, c.timeout())
	defer cancelTimeout()

	opts := chromedp.DefaultExecAllocatorOptions[:]
	if c.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.ExecPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	resp, err := chromedp.RunResponse(browserCtx, chromedp.Navigate(url))
	if err != nil {
		return fmt.Errorf("%w: navigate %s: %v", ErrRenderFailure, url, err)
	}
	if !navigationOK(resp) {
		return fmt.Errorf("%w: %s answered %d", ErrRenderFailure, url, responseStatus(resp))
	}

	err = chromedp.Run(browserCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.settle()),
		extract,
	)
	if err != nil {
		return fmt.Errorf("%w: extract %s: %v", ErrRenderFailure, url, err)
	}
	return nil
}

func navigationOK(resp *network.Response) bool {
	return resp != nil && resp.Status >= 200 && resp.Status <= 299
}

func responseStatus(resp *network.Response) int64 {
	if resp == nil {
		return 0
	}
	return resp.Status
}
