// Package collyfetcher implements scraper.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/oda-t/manga-scraper/internal/scraper"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher performs single-page fetches with a Colly collector. Every error
// it returns carries a failure category so the retry and breaker layers can
// act on it without inspecting transport details.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	// Revisits are legitimate here: the caller retries failed pages and may
	// fetch the same URL across sessions.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET.
func (f *Fetcher) Fetch(ctx context.Context, req scraper.FetchRequest) (scraper.FetchResult, error) {
	if req.URL == "" {
		return scraper.FetchResult{}, scraper.NonRetryable(fmt.Errorf("url is required"))
	}

	var (
		result   scraper.FetchResult
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(req, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, req.URL, &fetchErr); err != nil {
		return scraper.FetchResult{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	req scraper.FetchRequest,
	start time.Time,
	result *scraper.FetchResult,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
		if req.Referer != "" {
			r.Headers.Set("Referer", req.Referer)
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		*result = scraper.FetchResult{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Headers:     r.Headers.Clone(),
			Body:        append([]byte(nil), r.Body...),
			ContentType: r.Headers.Get("Content-Type"),
			Duration:    time.Since(start),
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		*fetchErr = classify(status, err)
	})

	return collector
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return classify(0, err)
		}
		return nil
	}
}

// classify maps a status code or transport error onto the failure taxonomy.
// 429 and 503 are explicit throttle signals, remaining 5xx and network
// failures are transient, and other 4xx will not improve on retry.
func classify(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return scraper.Throttled(fmt.Errorf("status %d: %w", status, err))
	case status >= 500:
		return scraper.Transient(fmt.Errorf("status %d: %w", status, err))
	case status == http.StatusRequestTimeout:
		return scraper.Transient(fmt.Errorf("status %d: %w", status, err))
	case status >= 400:
		return scraper.NonRetryable(fmt.Errorf("status %d: %w", status, err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return scraper.Transient(fmt.Errorf("request timed out: %w", err))
	}
	return scraper.Transient(fmt.Errorf("fetch failed: %w", err))
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
