// Package fetch performs upstream requests on behalf of the cache engines.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"offline-cache-agent/internal/cache"
)

// ErrUpstream wraps every transport-level failure (no response at all).
var ErrUpstream = errors.New("fetch: upstream request failed")

// DefaultMaxBodyBytes bounds a single upstream body read into memory.
const DefaultMaxBodyBytes int64 = 512 << 20

// Fetcher performs one upstream request. target is a path with optional query,
// resolved against the upstream base URL.
type Fetcher interface {
	Fetch(ctx context.Context, method, target string, header http.Header) (*cache.Entry, error)
}

// hop-by-hop and range headers are never forwarded: the agent always fetches whole resources.
var skippedHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Range":               {},
	"If-Range":            {},
	"If-None-Match":       {},
	"If-Modified-Since":   {},
	"Accept-Encoding":     {},
}

// Client is an http.Client bound to an upstream base URL.
type Client struct {
	base    *url.URL
	hc      *http.Client
	maxBody int64
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

// New returns a Client for the given upstream base URL.
func New(base string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse upstream %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("fetch: upstream %q must be an absolute URL", base)
	}
	c := &Client{
		base:    u,
		hc:      &http.Client{Timeout: timeout},
		maxBody: DefaultMaxBodyBytes,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Base returns the upstream base URL.
func (c *Client) Base() *url.URL {
	u := *c.base
	return &u
}

// Resolve turns a request target into an absolute upstream URL.
func (c *Client) Resolve(target string) (*url.URL, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	u.Fragment = ""
	return &u, nil
}

// Fetch implements Fetcher. Any HTTP status is a successful fetch; only
// transport failures (and body read failures) return an error wrapping ErrUpstream.
func (c *Client) Fetch(ctx context.Context, method, target string, header http.Header) (*cache.Entry, error) {
	u, err := c.Resolve(target)
	if err != nil {
		return nil, fmt.Errorf("%w: bad target %q: %v", ErrUpstream, target, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	for k, vs := range header {
		if _, skip := skippedHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Join(ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, errors.Join(ErrUpstream, err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%w: body of %s exceeds %d bytes", ErrUpstream, target, c.maxBody)
	}

	h := resp.Header.Clone()
	h.Del("Content-Length")
	return &cache.Entry{
		Status:    resp.StatusCode,
		Header:    h,
		Body:      body,
		FetchedAt: c.now(),
	}, nil
}

// Ensure Client implements Fetcher at compile time.
var _ Fetcher = (*Client)(nil)
