// Package httpclient is the HTTP client used by remote legacy source adapters.
// It applies a default deadline, injects the user agent and exposes an
// after-response hook for metrics.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tphakala/recordmigrate/internal/errors"
)

const (
	// DefaultTimeout applies when the request context has no deadline.
	DefaultTimeout = 30 * time.Second

	defaultMaxIdleConnsPerHost   = 10
	defaultIdleConnTimeout       = 90 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 15 * time.Second
	defaultDialTimeout           = 30 * time.Second

	defaultUserAgent = "recordmigrate"

	// maxBodyBytes bounds a decoded response page.
	maxBodyBytes = 64 << 20
)

// StatusError is returned by GetJSON for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Retryable reports whether the server may answer differently later.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client wraps http.Client with per-request deadlines. Safe for concurrent use.
type Client struct {
	client         *http.Client
	defaultTimeout time.Duration
	userAgent      string

	hookMu        sync.RWMutex
	afterResponse func(*http.Request, *http.Response, error)
}

// Config configures a Client. Zero values take defaults.
type Config struct {
	DefaultTimeout        time.Duration
	UserAgent             string
	MaxIdleConnsPerHost   int
	ResponseHeaderTimeout time.Duration
}

// DefaultConfig returns the defaults used by New(nil).
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:        DefaultTimeout,
		UserAgent:             defaultUserAgent,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
	}
}

// New creates a client. cfg may be nil and is not modified.
func New(cfg *Config) *Client {
	c := DefaultConfig()
	if cfg != nil {
		if cfg.DefaultTimeout > 0 {
			c.DefaultTimeout = cfg.DefaultTimeout
		}
		if cfg.UserAgent != "" {
			c.UserAgent = cfg.UserAgent
		}
		if cfg.MaxIdleConnsPerHost > 0 {
			c.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
		}
		if cfg.ResponseHeaderTimeout > 0 {
			c.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
		}
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   c.MaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: c.ResponseHeaderTimeout,
	}

	return &Client{
		client:         &http.Client{Transport: transport},
		defaultTimeout: c.DefaultTimeout,
		userAgent:      c.UserAgent,
	}
}

// HTTPClient returns the underlying client, for transport mocking in tests.
func (c *Client) HTTPClient() *http.Client {
	return c.client
}

// Do executes req under ctx, adding the default deadline when ctx has none.
// The caller closes the body when err is nil.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.NewStd("nil request")
	}

	if _, ok := ctx.Deadline(); !ok && c.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		resp, err := c.do(ctx, req)
		if err != nil || resp == nil {
			cancel()
			return resp, err
		}
		// The deadline must outlive Do until the caller has read the body.
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)

	c.hookMu.RLock()
	hook := c.afterResponse
	c.hookMu.RUnlock()
	if hook != nil {
		hook(req, resp, err)
	}
	return resp, err
}

// GetJSON fetches url and decodes a 2xx JSON body into out. Other statuses
// return a *StatusError.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create GET request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: url, StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

// SetAfterResponseHook sets a function called after every request.
func (c *Client) SetAfterResponseHook(fn func(*http.Request, *http.Response, error)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.afterResponse = fn
}

// Close releases idle connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
