// Package transport provides HTTP round trippers shared by the completion
// service clients.
package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
)

// DefaultMaxWaits bounds how many rate limit responses one request sits
// out before the 429 is returned to the caller.
const DefaultMaxWaits = 5

// RateLimitedTransport waits out 429 responses that carry a Retry-After
// header and resends the request. Other responses pass through untouched.
type RateLimitedTransport struct {
	base     http.RoundTripper
	maxWaits int
}

// WithRateLimiting wraps base, or http.DefaultTransport when base is nil.
func WithRateLimiting(base http.RoundTripper) *RateLimitedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RateLimitedTransport{base: base, maxWaits: DefaultMaxWaits}
}

// RoundTrip implements http.RoundTripper.
func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// The body is replayed on every attempt
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		if err := req.Body.Close(); err != nil {
			return nil, fmt.Errorf("failed to close request body: %w", err)
		}
	}

	for waits := 0; ; waits++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := t.base.RoundTrip(req)
		if err != nil || resp.StatusCode != http.StatusTooManyRequests || waits >= t.maxWaits {
			return resp, err
		}
		wait := retryAfter(resp.Header.Get("Retry-After"), time.Now())
		if wait <= 0 {
			return resp, nil
		}
		if err := resp.Body.Close(); err != nil {
			return nil, fmt.Errorf("failed to close response body: %w", err)
		}

		clog.FromContext(req.Context()).Warnf("Rate limited by %s, waiting %s", req.URL.Host, wait)
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
	}
}

// retryAfter parses a Retry-After value given in seconds or as an HTTP
// date. It returns zero when the value is missing or unparseable.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return at.Sub(now)
	}
	return 0
}
