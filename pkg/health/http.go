package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker probes an HTTP endpoint, typically the coordinator's API
// root. A response whose status falls inside [min, max] is healthy.
type HTTPChecker struct {
	url      string
	header   http.Header
	user     string
	password string
	min, max int
	client   *http.Client
}

// NewHTTPChecker probes url with GET and accepts 2xx and 3xx responses
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		url:    url,
		header: make(http.Header),
		min:    http.StatusOK,
		max:    399,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Check issues one request
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	done := func(healthy bool, format string, args ...any) Result {
		return Result{
			Healthy:   healthy,
			Message:   fmt.Sprintf(format, args...),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return done(false, "failed to create request: %v", err)
	}
	req.Header = h.header.Clone()
	if h.user != "" {
		req.SetBasicAuth(h.user, h.password)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return done(false, "request failed: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	code := resp.StatusCode
	if code < h.min || code > h.max {
		return done(false, "HTTP %d %s (expected %d-%d)", code, http.StatusText(code), h.min, h.max)
	}
	return done(true, "HTTP %d %s", code, http.StatusText(code))
}

// Type returns CheckTypeHTTP
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithHeader sets a request header
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.header.Set(key, value)
	return h
}

// WithBasicAuth authenticates requests the way the queue client does
func (h *HTTPChecker) WithBasicAuth(username, password string) *HTTPChecker {
	h.user, h.password = username, password
	return h
}

// WithStatusRange replaces the accepted status range. The coordinator
// answers its API root with 404, which still proves it is up.
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.min, h.max = min, max
	return h
}

// WithTimeout bounds each request
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.client.Timeout = timeout
	return h
}
