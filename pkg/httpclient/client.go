package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/retry"
)

// Config holds HTTP client configuration.
type Config struct {
	Timeout         time.Duration
	MaxRetries      int
	RetryWaitMin    time.Duration
	RetryWaitMax    time.Duration
	MaxConnsPerHost int
}

// DefaultConfig returns defaults for calls to catalog and order services.
func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Second,
		MaxRetries:      2,
		RetryWaitMin:    100 * time.Millisecond,
		RetryWaitMax:    time.Second,
		MaxConnsPerHost: 100,
	}
}

// StatusError is returned when a downstream keeps answering with a retryable
// 5xx status after all attempts.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Body)
}

// Client wraps http.Client with retry logic and pooled connections.
type Client struct {
	httpClient *http.Client
	policy     retry.Policy
}

// New creates a new HTTP client.
func New(cfg Config) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		policy: retry.Policy{
			Attempts:       cfg.MaxRetries + 1,
			BaseDelay:      cfg.RetryWaitMin,
			MaxDelay:       cfg.RetryWaitMax,
			JitterFraction: 0.25,
		},
	}
}

// Do executes req, retrying network errors and 5xx responses other than 501.
// 4xx responses are returned to the caller untouched.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := retry.Do(ctx, c.policy, isRetryableError, func(ctx context.Context) error {
		attempt, err := rewind(ctx, req)
		if err != nil {
			return err
		}
		r, err := c.httpClient.Do(attempt)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 && r.StatusCode != http.StatusNotImplemented {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 4<<10))
			_ = r.Body.Close()
			return &StatusError{StatusCode: r.StatusCode, Body: string(body)}
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("http %s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// Get performs an HTTP GET request with retry.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create GET request: %w", err)
	}
	return c.Do(ctx, req)
}

// Post performs an HTTP POST request with retry.
func (c *Client) Post(ctx context.Context, url string, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(ctx, req)
}

// rewind returns a copy of req bound to ctx with a fresh body, so a request
// can be replayed after a failed attempt consumed it.
func rewind(ctx context.Context, req *http.Request) (*http.Request, error) {
	r := req.Clone(ctx)
	if req.Body != nil && req.Body != http.NoBody && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		r.Body = body
	}
	return r, nil
}

func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
