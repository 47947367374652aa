// Package fetch talks to the remote content server. It knows how to grab a
// whole file or one byte range of it, retrying transient failures and
// classifying link expiry so the download pipeline can resume later.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/xibo-players/xiboplayer-sub005/internal/content"
	"github.com/xibo-players/xiboplayer-sub005/internal/logctx"
)

// Fetcher retrieves content bytes from a source location.
type Fetcher interface {
	// Fetch downloads the entire file.
	Fetch(ctx context.Context, desc content.FileDescriptor) ([]byte, error)

	// FetchRange downloads bytes [start, end] inclusive.
	FetchRange(ctx context.Context, desc content.FileDescriptor, start, end int64) ([]byte, error)
}

// Client is an HTTP Fetcher.
type Client struct {
	httpClient *http.Client
	maxTries   uint
}

// NewClient creates a fetcher. maxTries bounds retries per call; zero means
// a single attempt.
func NewClient(timeout time.Duration, maxTries uint) *Client {
	if maxTries == 0 {
		maxTries = 1
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		maxTries:   maxTries,
	}
}

func (c *Client) Fetch(ctx context.Context, desc content.FileDescriptor) ([]byte, error) {
	return c.fetch(ctx, desc, "")
}

func (c *Client) FetchRange(ctx context.Context, desc content.FileDescriptor, start, end int64) ([]byte, error) {
	return c.fetch(ctx, desc, fmt.Sprintf("bytes=%d-%d", start, end))
}

func (c *Client) fetch(ctx context.Context, desc content.FileDescriptor, rangeHeader string) ([]byte, error) {
	logger := logctx.LoggerFromContext(ctx)

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.SourceLocation, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}

		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read body: %w", err)
			}

			return data, nil
		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusGone:
			// Expired transfer link. Not retryable here; the orchestrator
			// resumes with a fresh link on its next planning cycle.
			return nil, backoff.Permanent(&content.LinkExpiredError{
				Key: desc.Key(),
				Err: fmt.Errorf("server returned %s", resp.Status),
			})
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(fmt.Errorf("source returned %s", resp.Status))
		default:
			return nil, fmt.Errorf("unexpected status %s", resp.Status)
		}
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		logger.Debug("fetch failed", "key", desc.Key(), "range", rangeHeader, "err", err)

		return nil, err
	}

	return data, nil
}
