package browser

import (
	"context"
	"net/url"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/teranos/forage/errors"
)

// ChromeOptions configure the headless browser.
type ChromeOptions struct {
	ExecPath  string // empty = search PATH
	UserAgent string
	NoSandbox bool // needed when running as root in containers
}

// Chrome is a Renderer backed by a dedicated headless Chrome process.
type Chrome struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	status int
}

// OpenChrome returns an OpenFunc that launches a fresh browser per session.
func OpenChrome(opts ChromeOptions) OpenFunc {
	return func(ctx context.Context) (Renderer, error) {
		return NewChrome(ctx, opts)
	}
}

// NewChrome launches a browser. The process lives until Close, independent of ctx.
func NewChrome(ctx context.Context, opts ChromeOptions) (*Chrome, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	c := &Chrome{allocCancel: allocCancel, browserCtx: browserCtx, browserCancel: browserCancel}

	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			c.mu.Lock()
			c.status = int(e.Response.Status)
			c.mu.Unlock()
		}
	})

	// First Run starts the process.
	if err := chromedp.Run(browserCtx, network.Enable()); err != nil {
		c.Close()
		return nil, errors.Wrap(err, "failed to launch chrome")
	}
	return c, nil
}

// Render navigates and returns the document after load.
func (c *Chrome) Render(ctx context.Context, raw string) (*Rendered, error) {
	c.mu.Lock()
	c.status = 0
	c.mu.Unlock()

	// Bound the navigation by ctx without tearing down the shared tab.
	runCtx, cancel := context.WithCancel(c.browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var (
		location string
		html     string
	)
	err := chromedp.Run(runCtx,
		chromedp.Navigate(raw),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "navigating %s", raw)
		}
		return nil, errors.Wrapf(err, "navigating %s", raw)
	}

	final, err := url.Parse(location)
	if err != nil {
		final = nil
	}
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	return &Rendered{URL: final, Status: status, HTML: html}, nil
}

// Close stops the browser process.
func (c *Chrome) Close() error {
	c.browserCancel()
	c.allocCancel()
	return nil
}
