// Package provider is the HTTP client for the external messaging API.
//
// The API is a black box that may be slow, flaky, or return malformed
// bodies; every failure mode is converted into a returned error so the
// worker loop can count and log it. Nothing here panics or retries.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"warmupd/internal/storage"
	logx "warmupd/pkg/logx"
)

var ErrNotConfigured = errors.New("provider not configured")

type Options struct {
	BaseURL string
	APIKey  string

	// Timeout bounds a single request. Default 30s.
	Timeout time.Duration

	// RatePerSec caps outbound requests across all workers; 0 disables
	// the limiter. Burst defaults to max(1, ceil(RatePerSec)).
	RatePerSec float64
	RateBurst  int

	Log logx.Logger

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, ErrNotConfigured
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	var lim *rate.Limiter
	if opts.RatePerSec > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RatePerSec)
			if burst < 1 {
				burst = 1
			}
		}
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		baseURL: base,
		apiKey:  opts.APIKey,
		http:    hc,
		limiter: lim,
		log:     log.With(logx.String("comp", "provider")),
	}, nil
}

// Send dispatches one message and reports success as a nil error.
// Non-2xx statuses, malformed bodies, and a non-"success" status field
// are all returned as errors.
func (c *Client) Send(ctx context.Context, instanceID, target string, item storage.ContentItem, t storage.MessageType) error {
	path, payload := buildRequest(instanceID, target, item, t)
	return c.post(ctx, path, payload)
}

// ProxyConfig mirrors the provider's proxy settings object.
type ProxyConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host,omitempty"`
	Port     string `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"` // http, https, socks4, socks5
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// SetProxy configures the provider-side proxy for an instance.
func (c *Client) SetProxy(ctx context.Context, instanceName string, p ProxyConfig) error {
	return c.post(ctx, "/proxy/set/"+instanceName, p)
}

// FindProxy fetches the provider-side proxy settings for an instance.
func (c *Client) FindProxy(ctx context.Context, instanceName string) (*ProxyConfig, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/proxy/find/"+instanceName, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	var p ProxyConfig
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("provider body: %w", err)
	}
	return &p, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var out struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("provider body: %w", err)
	}
	if out.Status != "success" {
		if out.Message != "" {
			return fmt.Errorf("provider rejected: %s (%s)", out.Status, out.Message)
		}
		return fmt.Errorf("provider rejected: %s", out.Status)
	}
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
