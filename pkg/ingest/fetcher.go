package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
	"github.com/mmcdole/gofeed"
)

// NewSafeClient returns an HTTP client that refuses to connect to
// private, loopback and link-local addresses, even after DNS resolution.
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(config).Client
}

// Fetcher downloads and parses RSS, Atom and JSON feeds.
type Fetcher struct {
	Client      *http.Client
	UserAgent   string
	MaxBodySize int64
}

// NewFetcher creates a fetcher on top of a safe client.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{
		Client:      NewSafeClient(timeout),
		UserAgent:   "jobgate-ingest/1.0",
		MaxBodySize: 10 << 20,
	}
}

// StatusError is returned for HTTP error responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed responded with HTTP %d", e.StatusCode)
}

// Fetch downloads a feed.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid feed request: %w", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml, text/xml, */*")
	res, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return nil, &StatusError{StatusCode: res.StatusCode}
	}
	var body io.Reader = res.Body
	if f.MaxBodySize > 0 {
		body = io.LimitReader(res.Body, f.MaxBodySize)
	}
	feed, err := gofeed.NewParser().Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	return feed, nil
}
