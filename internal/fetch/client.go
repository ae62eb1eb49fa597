// Package fetch provides the source clients the adapters read from: JSON-RPC
// contract calls, block lookups, USD prices, subgraphs, REST APIs and the
// incentive registry.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-adapters/internal/circuitbreaker"
)

const maxErrorBody = 512

// HTTPOptions tunes the retrying HTTP client shared by every REST-style source
type HTTPOptions struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Breakers hands out one circuit breaker per upstream host. Nil disables
	// them unless the request context carries a set.
	Breakers  *circuitbreaker.Set
	UserAgent string
}

// DefaultHTTPOptions mirrors the retry budget used across the source clients
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		Timeout:      15 * time.Second,
		RetryMax:     3,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 3 * time.Second,
		UserAgent:    "yield-adapters/1.0",
	}
}

// APIClient performs JSON requests with bounded retries and per-host breakers
type APIClient struct {
	client    *retryablehttp.Client
	breakers  *circuitbreaker.Set
	userAgent string
	headers   map[string]string
}

// NewAPIClient creates a client from opts
func NewAPIClient(opts HTTPOptions) *APIClient {
	return &APIClient{
		client:    newRetryClient(opts),
		breakers:  opts.Breakers,
		userAgent: opts.UserAgent,
		headers:   map[string]string{},
	}
}

// WithHeader returns a copy of the client that sends an extra header on every request
func (c *APIClient) WithHeader(key, value string) *APIClient {
	cp := *c
	cp.headers = make(map[string]string, len(c.headers)+1)
	for k, v := range c.headers {
		cp.headers[k] = v
	}
	cp.headers[key] = value
	return &cp
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient(opts HTTPOptions) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = opts.RetryMax
	c.RetryWaitMin = opts.RetryWaitMin
	c.RetryWaitMax = opts.RetryWaitMax
	c.HTTPClient.Timeout = opts.Timeout
	c.Logger = nil
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logrus.WithFields(logrus.Fields{
				"url":     req.URL.Redacted(),
				"attempt": attempt,
			}).Debug("Retrying request")
		}
	}
	return c
}

// StandardClient exposes the retrying client as a plain *http.Client
func (c *APIClient) StandardClient() *http.Client {
	return c.client.StandardClient()
}

// GetJSON issues a GET and decodes the JSON body into out
func (c *APIClient) GetJSON(ctx context.Context, rawURL string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	return c.do(req, out)
}

// PostJSON issues a POST with a JSON body and decodes the JSON reply into out.
// A nil out discards the reply.
func (c *APIClient) PostJSON(ctx context.Context, rawURL string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("error encoding request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *APIClient) do(req *retryablehttp.Request, out any) error {
	host := hostOf(req.URL)
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	// A set on the request context scopes breakers to one run and wins over
	// the client's own.
	breakers := circuitbreaker.FromContext(req.Context())
	if breakers == nil {
		breakers = c.breakers
	}
	var breaker *circuitbreaker.Breaker
	if breakers != nil {
		breaker = breakers.Get(host)
		if err := breaker.Allow(); err != nil {
			return &FetchError{Type: ErrorTypeCircuitOpen, Upstream: host, Message: "upstream tripped", Cause: err}
		}
	}

	// With the passthrough handler an exhausted retry budget still hands back
	// the last response, so a non-nil resp wins over err.
	resp, err := c.client.Do(req)
	if resp == nil {
		if err == nil {
			err = errors.New("empty response")
		}
		if breaker != nil && !errors.Is(err, context.Canceled) {
			breaker.Failure()
		}
		return classifyTransport(host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		fe := ClassifyHTTPStatus(host, resp.StatusCode, string(bytes.TrimSpace(body)))
		if breaker != nil {
			if fe.Retryable {
				breaker.Failure()
			} else {
				breaker.Success()
			}
		}
		return fe
	}
	if breaker != nil {
		breaker.Success()
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Malformed(host, "decode response: %v", err)
	}
	return nil
}

func hostOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Host
}
