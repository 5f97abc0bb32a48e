// Package upstream issues outbound calls to the third-party catalog API.
// One bounded-timeout retrieval per call, no retries: idempotent GETs are
// safe to retry, but the rate-limit and budget accounting upstream of this
// package must not double-count, so retry policy belongs to the caller.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gamely/gamely/internal/config"
)

// maxResponseBody bounds how much of an upstream response is read into
// memory. Catalog pages are tens of kilobytes; anything near this limit
// indicates a misbehaving upstream.
const maxResponseBody = 8 << 20 // 8 MiB

// Response is a completed upstream retrieval. Status and body are passed
// through to the client as-is, including upstream error statuses.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Fetcher issues authenticated calls against a single upstream base URL,
// pooling connections across requests.
type Fetcher struct {
	base    *url.URL
	apiKey  string
	client  *http.Client
	timeout time.Duration
}

// New creates a Fetcher from the upstream configuration.
func New(cfg config.UpstreamConfig) (*Fetcher, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parsing upstream url: %w", err)
	}

	timeout, err := config.ParseDuration(cfg.Timeout, 4*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream timeout: %w", err)
	}

	idleConnTimeout, err := config.ParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream idle_conn_timeout: %w", err)
	}

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}

	transport := &http.Transport{
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		IdleConnTimeout:     idleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &Fetcher{
		base:   base,
		apiKey: cfg.APIKey.Value(),
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		timeout: timeout,
	}, nil
}

// Fetch retrieves the canonical path with the filtered query. The API key
// is attached here, server-side, and never accepted from the client. The
// upstream's status and body are returned even for non-2xx responses.
func (f *Fetcher) Fetch(ctx context.Context, path string, query url.Values) (*Response, error) {
	target := *f.base
	target.Path = strings.TrimSuffix(f.base.Path, "/") + "/" + path

	q := url.Values{}
	for name, values := range query {
		for _, v := range values {
			q.Add(name, v)
		}
	}
	q.Set("key", f.apiKey)
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream fetch %s: %w", path, redactKey(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading upstream body %s: %w", path, err)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// IsTimeout reports whether the fetch failed on its deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Timeout()
	}
	return false
}

// Timeout returns the configured per-fetch deadline.
func (f *Fetcher) Timeout() time.Duration { return f.timeout }

// CloseIdleConnections releases pooled upstream connections during shutdown.
func (f *Fetcher) CloseIdleConnections() {
	f.client.CloseIdleConnections()
}

// redactKey strips the API key from transport errors, which embed the full
// request URL including the injected key parameter.
func redactKey(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.URL != "" {
		if u, perr := url.Parse(ue.URL); perr == nil {
			q := u.Query()
			if q.Has("key") {
				q.Set("key", "[REDACTED]")
				u.RawQuery = q.Encode()
				ue.URL = u.String()
				return ue
			}
		}
	}
	return err
}
