package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrMiss is returned by Match when a namespace holds no entry for a key.
var ErrMiss = errors.New("cache: no entry for key")

// Entry is a stored response: the payload plus what was captured when it was fetched.
// Entries are immutable once written; a Put for an existing key replaces it wholesale.
type Entry struct {
	Key       string
	Status    int
	Header    http.Header
	Body      []byte
	FetchedAt time.Time

	// Seq is the insertion sequence assigned by the namespace on Put.
	Seq uint64
	// LastUsed is the last read (or the write) time; used by recency ordering.
	LastUsed time.Time
}

// Namespace is one named persistent cache.
// Implementations must be safe for concurrent use.
type Namespace interface {
	// Name returns the namespace name it was opened with.
	Name() string

	// Match returns the entry stored under key, or ErrMiss.
	Match(ctx context.Context, key string) (*Entry, error)

	// Put stores e under e.Key, replacing any previous entry.
	Put(ctx context.Context, e *Entry) error

	// Remove deletes key if present. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Touch records a read of key at the given time.
	Touch(ctx context.Context, key string, at time.Time) error

	// Keys lists the stored keys, eviction candidates first.
	Keys(ctx context.Context, order Order) ([]string, error)

	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)

	// Oldest returns the earliest FetchedAt of any entry; ok is false when empty.
	Oldest(ctx context.Context) (at time.Time, ok bool, err error)

	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// Storage opens and deletes named caches.
type Storage interface {
	Open(ctx context.Context, name string) (Namespace, error)
	Delete(ctx context.Context, name string) error
	Names(ctx context.Context) ([]string, error)
}

// Key builds the normalized request identity used as the cache key:
// the upper-cased method, a '#', the path and the query with sorted parameters.
func Key(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('#')
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	b.WriteString(path)
	if q := u.Query(); len(q) > 0 {
		b.WriteByte('?')
		b.WriteString(q.Encode())
	}
	return b.String()
}

// KeyForTarget is Key for a request target such as "/1/audio/a.mp3?trans=m".
func KeyForTarget(method, target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	return Key(method, u), nil
}
