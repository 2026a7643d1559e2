// Package upstream forwards a single HTTP request to an upstream base URL
// using one credential, retrying on transport-level failures.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/berry13/keycycle-proxy/internal/keypool"
	"go.uber.org/zap"
)

// retryableStatus is the set of upstream status codes that the client
// itself retries against the same credential, distinct from the rotate set
// (see ShouldRotate) the proxy engine uses to pick a different credential.
var retryableStatus = map[int]bool{
	http.StatusTeapot:             true, // 418
	http.StatusTooManyRequests:    true, // 429
	http.StatusBadGateway:         true, // 502
	http.StatusServiceUnavailable: true, // 503
	http.StatusGatewayTimeout:     true, // 504
}

// Config controls retry and timeout behavior.
type Config struct {
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	MaxRetries         int
}

// Response is the result of a successful upstream round trip. Body is the
// raw upstream body reader; callers that stream must close it themselves.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client forwards requests to upstream credentials.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client with its own transport, sized for connection reuse
// across many outbound requests.
func New(cfg Config, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		logger: logger,
	}
}

// ErrTimeout is returned when every attempt timed out against the
// per-attempt deadline, or when the caller's context ends while an attempt
// is in flight.
type ErrTimeout struct{}

func (ErrTimeout) Error() string { return "request timeout" }

// ErrUpstreamFailed wraps a transport-level failure (connection refused,
// DNS failure, etc.) that was not a timeout.
type ErrUpstreamFailed struct{ Cause error }

func (e ErrUpstreamFailed) Error() string { return fmt.Sprintf("upstream request failed: %v", e.Cause) }
func (e ErrUpstreamFailed) Unwrap() error { return e.Cause }

// ErrAllRetriesExhausted is returned when the last permitted attempt still
// received a retryable status code.
type ErrAllRetriesExhausted struct{ LastStatus int }

func (e ErrAllRetriesExhausted) Error() string {
	return fmt.Sprintf("all retries exhausted, last status %d", e.LastStatus)
}

// Forward sends method/path/body/headers to cred.BaseURL, retrying on the
// transport-retry status set with exponential backoff. headers must not
// include Authorization; this method sets it from the credential.
func (c *Client) Forward(ctx context.Context, cred *keypool.Credential, method, path string, headers http.Header, body []byte) (*Response, error) {
	var lastStatus int
	allTimedOut := true

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, err := c.attempt(ctx, cred, method, path, headers, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrTimeout{}
			}
			var netErr net.Error
			if !errors.As(err, &netErr) || !netErr.Timeout() {
				allTimedOut = false
			}
			if attempt == c.cfg.MaxRetries {
				if allTimedOut {
					return nil, ErrTimeout{}
				}
				return nil, ErrUpstreamFailed{Cause: err}
			}
			c.sleepBackoff(ctx, attempt)
			continue
		}
		allTimedOut = false

		if !retryableStatus[resp.StatusCode] {
			return resp, nil
		}

		lastStatus = resp.StatusCode
		resp.Body.Close()

		if c.logger != nil {
			c.logger.Warn("upstream attempt retried",
				zap.String("host", cred.Host()),
				zap.Int("attempt", attempt),
				zap.Int("status", resp.StatusCode))
		}

		if attempt == c.cfg.MaxRetries {
			break
		}
		c.sleepBackoff(ctx, attempt)
	}

	return nil, ErrAllRetriesExhausted{LastStatus: lastStatus}
}

func (c *Client) attempt(ctx context.Context, cred *keypool.Credential, method, path string, headers http.Header, body []byte) (*Response, error) {
	url := cred.BaseURL + path

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}

	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", cred.Token))
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) {
	backoff := c.cfg.InitialBackoff * time.Duration(1<<uint(attempt))
	if backoff > c.cfg.MaxBackoff {
		backoff = c.cfg.MaxBackoff
	}
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
}

// ShouldRotate reports whether statusCode should cause the proxy engine to
// pick a different credential rather than retry the same one.
func ShouldRotate(statusCode int) bool {
	switch statusCode {
	case http.StatusBadRequest, http.StatusTeapot, http.StatusTooManyRequests, http.StatusBadGateway:
		return true
	default:
		return false
	}
}
