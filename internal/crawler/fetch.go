package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

// maxFeedBytes bounds how much of a response body is read.
const maxFeedBytes = 32 << 20

// fetchResult is one HTTP exchange.
type fetchResult struct {
	Status       int
	Body         []byte
	ETag         string
	LastModified string
}

// NotModified reports a 304 response.
func (r *fetchResult) NotModified() bool {
	return r.Status == http.StatusNotModified
}

// fetcher performs conditional GETs.
type fetcher struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
}

func (f *fetcher) fetch(ctx context.Context, url, etag, lastModified string) (*fetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, merrors.New(merrors.ErrCodeInvalidFeed, "bad feed url "+url, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, merrors.New(merrors.ErrCodeNetworkTimeout, fmt.Sprintf("fetch %s timed out after %s", url, f.timeout), err)
		}
		return nil, merrors.NetworkError("fetch "+url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	res := &fetchResult{
		Status:       resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return res, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return res, merrors.NetworkError(fmt.Sprintf("fetch %s: HTTP %d", url, resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return res, merrors.New(merrors.ErrCodeInvalidFeed, fmt.Sprintf("fetch %s: HTTP %d", url, resp.StatusCode), nil).
			WithDetail("feed_url", url)
	}

	res.Body, err = io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, merrors.NetworkError("read "+url, err)
	}
	return res, nil
}
