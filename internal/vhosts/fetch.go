package vhosts

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-resty/resty/v2"
)

// Page is one downloaded resource
type Page struct {
	// URL is the final URL after redirects
	URL         *url.URL
	Body        []byte
	ContentType string
}

// IsHTML reports whether the page should be parsed for links
func (p *Page) IsHTML() bool {
	return strings.Contains(strings.ToLower(p.ContentType), "text/html")
}

// Fetcher downloads a single URL
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

// HTTPFetcher downloads with a plain HTTP client
type HTTPFetcher struct {
	client *resty.Client
}

// NewHTTPFetcher creates a fetcher that ignores certificate errors and retries twice
func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("User-Agent", userAgent).
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // scraped sites often have broken chains

	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= 500
	})

	return &HTTPFetcher{client: client}
}

// Fetch implements Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	resp, err := f.client.R().SetContext(ctx).Get(rawURL)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("GET %s: %s", rawURL, resp.Status())
	}

	final, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if resp.RawResponse != nil && resp.RawResponse.Request != nil && resp.RawResponse.Request.URL != nil {
		final = resp.RawResponse.Request.URL
	}
	return &Page{
		URL:         final,
		Body:        resp.Body(),
		ContentType: resp.Header().Get("Content-Type"),
	}, nil
}

// BrowserFetcher renders pages in headless Chrome so script-built markup is captured.
// The browser is started on first use and shared by every fetch.
type BrowserFetcher struct {
	timeout   time.Duration
	userAgent string

	once     sync.Once
	allocCtx context.Context
	cancel   context.CancelFunc
}

// NewBrowserFetcher creates a fetcher backed by chromedp
func NewBrowserFetcher(timeout time.Duration, userAgent string) *BrowserFetcher {
	return &BrowserFetcher{timeout: timeout, userAgent: userAgent}
}

func (b *BrowserFetcher) init() {
	b.once.Do(func() {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("ignore-certificate-errors", true),
			chromedp.UserAgent(b.userAgent),
		)
		b.allocCtx, b.cancel = chromedp.NewExecAllocator(context.Background(), opts...)
	})
}

// Fetch implements Fetcher
func (b *BrowserFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	b.init()

	tabCtx, cancelTab := chromedp.NewContext(b.allocCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, b.timeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTimeout)
	defer stop()

	var html, location string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", rawURL, err)
	}

	final, err := url.Parse(location)
	if err != nil || final.Host == "" {
		final, err = url.Parse(rawURL)
		if err != nil {
			return nil, err
		}
	}
	return &Page{URL: final, Body: []byte(html), ContentType: "text/html; charset=utf-8"}, nil
}

// Close stops the browser if it was started
func (b *BrowserFetcher) Close() {
	if b.cancel != nil {
		b.cancel()
	}
}
