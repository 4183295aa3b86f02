package testutil

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"offline-cache-agent/internal/cache"
	"offline-cache-agent/internal/fetch"
)

// Upstream is a scripted fetch.Fetcher for engine tests.
// Unscripted targets answer 404.
type Upstream struct {
	mu        sync.Mutex
	responses map[string]*cache.Entry
	errs      map[string]error
	gates     map[string]chan struct{}
	calls     map[string]int

	// Now stamps FetchedAt on returned entries.
	Now func() time.Time
}

// NewUpstream returns an empty Upstream.
func NewUpstream() *Upstream {
	return &Upstream{
		responses: make(map[string]*cache.Entry),
		errs:      make(map[string]error),
		gates:     make(map[string]chan struct{}),
		calls:     make(map[string]int),
		Now:       time.Now,
	}
}

// Serve scripts a response for target.
func (u *Upstream) Serve(target string, status int, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	h := http.Header{}
	h.Set("Content-Type", "application/octet-stream")
	u.responses[target] = &cache.Entry{Status: status, Header: h, Body: []byte(body)}
	delete(u.errs, target)
}

// Fail scripts a transport failure for target.
func (u *Upstream) Fail(target string, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errs[target] = err
}

// Hold makes fetches of target block until the returned release func is called
// or the fetch context ends.
func (u *Upstream) Hold(target string) (release func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	gate := make(chan struct{})
	u.gates[target] = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			u.mu.Lock()
			if u.gates[target] == gate {
				delete(u.gates, target)
			}
			u.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how many fetches of target started.
func (u *Upstream) Calls(target string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[target]
}

// Fetch implements fetch.Fetcher.
func (u *Upstream) Fetch(ctx context.Context, _ string, target string, _ http.Header) (*cache.Entry, error) {
	u.mu.Lock()
	u.calls[target]++
	gate := u.gates[target]
	u.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errors.Join(fetch.ErrUpstream, ctx.Err())
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.errs[target]; err != nil {
		return nil, errors.Join(fetch.ErrUpstream, err)
	}
	resp, ok := u.responses[target]
	if !ok {
		return &cache.Entry{Status: http.StatusNotFound, Header: http.Header{}, FetchedAt: u.Now()}, nil
	}
	out := *resp
	out.Header = resp.Header.Clone()
	out.Body = append([]byte(nil), resp.Body...)
	out.FetchedAt = u.Now()
	return &out, nil
}

var _ fetch.Fetcher = (*Upstream)(nil)
