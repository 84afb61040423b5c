// Package httpx wraps net/http for the identity-service calls of the proxy.
// Every call yields exactly one of three outcomes, Success, UpstreamError or
// TransportFailure, and callers switch over them explicitly.
package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	defaultTimeout = 20 * time.Second
	maxBodySize    = 1 << 20
	userAgent      = "odonata-bridge/1.0"
)

// Result is Success, UpstreamError or TransportFailure.
type Result interface{ isResult() }

// Success is a response with a status below 400.
type Success struct {
	Status int
	Body   []byte
}

// UpstreamError is a response with status 400 or above.
type UpstreamError struct {
	Status int
	Body   []byte
}

// TransportFailure is a request that produced no response: dial, TLS,
// timeout, cancellation or an unreadable body.
type TransportFailure struct {
	Err error
}

func (Success) isResult()          {}
func (UpstreamError) isResult()    {}
func (TransportFailure) isResult() {}

// Describe turns the response into an error.
func (u UpstreamError) Describe(message string) *RequestError {
	return &RequestError{Message: message, Status: u.Status, Body: string(u.Body)}
}

// Describe turns the failure into an error.
func (t TransportFailure) Describe(message string) *RequestError {
	return &RequestError{Message: message, Err: t.Err}
}

// RequestError is the error built from a failed outcome.
type RequestError struct {
	Message string
	Status  int    // 0 for transport failures
	Body    string // response body, if any
	Err     error  // cause of a transport failure
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("%s: status %d: %s", e.Message, e.Status, body)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Client issues identity-service requests.
type Client struct {
	hc *http.Client
}

// New returns a Client whose requests time out after timeout (20s when
// timeout <= 0).
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{hc: &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			MaxIdleConns:    10,
			IdleConnTimeout: 90 * time.Second,
		},
	}}
}

// NewWithHTTPClient returns a Client using hc, e.g. an httptest server's.
func NewWithHTTPClient(hc *http.Client) *Client { return &Client{hc: hc} }

// PostJSON sends body encoded as JSON.
func (c *Client) PostJSON(ctx context.Context, target string, body any) Result {
	b, err := json.Marshal(body)
	if err != nil {
		return TransportFailure{Err: fmt.Errorf("encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(b))
	if err != nil {
		return TransportFailure{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.Do(req)
}

// PostForm sends form as application/x-www-form-urlencoded.
func (c *Client) PostForm(ctx context.Context, target string, form url.Values) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return TransportFailure{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return c.Do(req)
}

// Get sends a GET with an optional bearer token.
func (c *Client) Get(ctx context.Context, target, bearer string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return TransportFailure{Err: err}
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Accept", "application/json")
	return c.Do(req)
}

// Do sends req and classifies the outcome.
func (c *Client) Do(req *http.Request) Result {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return TransportFailure{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return TransportFailure{Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return UpstreamError{Status: resp.StatusCode, Body: body}
	}
	return Success{Status: resp.StatusCode, Body: body}
}

// Decode unmarshals a successful response body into T.
func Decode[T any](s Success) (T, error) {
	var v T
	if err := json.Unmarshal(s.Body, &v); err != nil {
		return v, fmt.Errorf("decode response: %w", err)
	}
	return v, nil
}
