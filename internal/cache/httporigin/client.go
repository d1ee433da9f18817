// Package httporigin fetches cache chunks over HTTP(S).
//
// The client retries transient failures (transport errors, 429 and 5xx) with
// exponential backoff, honours context cancellation during requests and
// backoff waits, and takes an injectable RoundTripper and sleep function so
// tests run fast and deterministically.
package httporigin

import (
	"bytes"
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/logger"
)

// Config configures the HTTP client. Zero values get defaults: Timeout 30s,
// InitialBackoff 200ms, MaxBackoff 5s. MaxRetries 0 means a single attempt.
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// InsecureSkipVerify disables TLS verification for the default
	// transport. It is ignored when Transport is set.
	InsecureSkipVerify bool

	// BaseHeaders are sent with every request; per-request headers win.
	BaseHeaders http.Header

	Transport http.RoundTripper
	Logger    logger.Logger
}

// Client wraps an http.Client with retry and backoff.
type Client struct {
	httpClient     *http.Client
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	baseHeaders    http.Header
	log            logger.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient constructs a Client from cfg, applying defaults.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NopLogger
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicitly configurable
			},
		}
	}

	hdr := http.Header{}
	for k, vs := range cfg.BaseHeaders {
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}

	return &Client{
		httpClient:     &http.Client{Timeout: cfg.Timeout, Transport: transport},
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		baseHeaders:    hdr,
		log:            cfg.Logger,
		sleep:          sleepWithContext,
	}
}

// Do sends a request, retrying transient failures. body is a byte slice so
// it can be re-sent. The caller must close the returned body. A non-retryable
// status is returned as a response, not an error.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, headers http.Header) (*http.Response, error) {
	if method == "" {
		return nil, errors.New("httporigin: method must not be empty")
	}
	if url == "" {
		return nil, errors.New("httporigin: url must not be empty")
	}

	attempts := c.maxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, errors.Wrap(err, "httporigin: build request")
		}
		for k, vs := range c.baseHeaders {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Set(k, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			if !isRetryableStatus(resp.StatusCode) {
				return resp, nil
			}
			_ = resp.Body.Close()
			lastErr = errors.Errorf("httporigin: retryable status %d from %s %s", resp.StatusCode, method, url)
		}

		if attempt+1 >= attempts {
			return nil, lastErr
		}
		backoff := backoffDuration(c.initialBackoff, attempt, c.maxBackoff)
		c.log.Debugf("httporigin: retry attempt=%d backoff=%s err=%v", attempt+1, backoff, lastErr)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// Get is Do with GET.
func (c *Client) Get(ctx context.Context, url string, headers http.Header) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil, headers)
}

// isRetryableStatus treats 429 and 5xx as transient.
func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// backoffDuration is initial*2^attempt, clamped to max.
func backoffDuration(initial time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt <= 0 {
		if initial > max {
			return max
		}
		return initial
	}
	d := initial << attempt
	if d > max || d <= 0 {
		return max
	}
	return d
}

// sleepWithContext waits for d or until ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
