package executor

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// HeadlessConfig controls the chromedp renderer.
type HeadlessConfig struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// HeadlessFetcher renders listing pages in headless Chrome. It is used for
// boards whose results only appear after client-side scripts run.
type HeadlessFetcher struct {
	timeout  time.Duration
	tabs     chan struct{}
	browser  context.Context
	shutdown context.CancelFunc
}

// NewHeadless prepares a Chrome allocator. The browser process starts on the
// first Fetch.
func NewHeadless(cfg HeadlessConfig) (*HeadlessFetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", "new"))
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	browser, shutdown := chromedp.NewExecAllocator(context.Background(), opts...)
	f := &HeadlessFetcher{timeout: cfg.NavigationTimeout, browser: browser, shutdown: shutdown}
	if cfg.MaxParallel > 0 {
		f.tabs = make(chan struct{}, cfg.MaxParallel)
	}
	return f, nil
}

// Close stops the browser.
func (f *HeadlessFetcher) Close() {
	f.shutdown()
}

// Fetch opens url in a new tab and returns the DOM once the body is ready.
func (f *HeadlessFetcher) Fetch(ctx context.Context, url string) (Page, error) {
	if f.tabs != nil {
		select {
		case f.tabs <- struct{}{}:
			defer func() { <-f.tabs }()
		case <-ctx.Done():
			return Page{}, fmt.Errorf("waiting for a headless tab: %w", ctx.Err())
		}
	}

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, f.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	// Status of the first document response; frames come later.
	var status atomic.Int64
	chromedp.ListenTarget(tab, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == network.ResourceTypeDocument && resp.Response != nil {
			status.CompareAndSwap(0, resp.Response.Status)
		}
	})

	start := time.Now()
	var html, location string
	if err := chromedp.Run(tab,
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return Page{}, fmt.Errorf("render %s: %w", url, err)
	}

	page := Page{
		URL:          location,
		StatusCode:   int(status.Load()),
		Headers:      http.Header{},
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}
	if page.URL == "" {
		page.URL = url
	}
	if page.StatusCode == 0 {
		page.StatusCode = http.StatusOK
	}
	return page, nil
}
