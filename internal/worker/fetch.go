package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// NewSafeClient returns an HTTP client that refuses private, loopback,
// link-local and metadata addresses after DNS resolution. Job payloads carry
// user supplied URLs, so every outbound fetch goes through it.
func NewSafeClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(cfg).Client
}

// statusError is a non-2xx upstream answer.
type statusError struct {
	URL    string
	Status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Status)
}

// classify wraps responses that will not change on retry as permanent.
// 408 and 429 stay retryable.
func classify(err error, status int) error {
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

// fetch downloads url with a hard cap on body size. It returns the body and
// the response content type.
func fetch(ctx context.Context, client *http.Client, url string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", Permanent(fmt.Errorf("build request: %w", err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", classify(&statusError{URL: url, Status: resp.StatusCode}, resp.StatusCode)
	}

	if limit <= 0 {
		limit = 5 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(body)) > limit {
		return nil, "", Permanent(fmt.Errorf("response from %s exceeds %d bytes", url, limit))
	}
	return body, resp.Header.Get("Content-Type"), nil
}
