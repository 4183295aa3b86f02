package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a map-backed Storage. Nothing survives the process; it backs
// tests and --memory runs.
type Memory struct {
	// If muPtr is nil, the storage is NOT goroutine-safe.
	// If muPtr is non-nil, it guards the namespace map.
	muPtr *sync.RWMutex

	opts       Options
	namespaces map[string]*memoryNamespace
}

// Options controls construction of a Memory storage.
type Options struct {
	// ConcurrencySafe controls whether operations are guarded by a RWMutex.
	// If false, the storage is not safe for concurrent use and may be faster in single-threaded contexts.
	ConcurrencySafe bool
}

// NewMemory constructs an empty Memory storage with the given options.
func NewMemory(opts Options) *Memory {
	return &Memory{
		muPtr:      newLock(opts),
		opts:       opts,
		namespaces: make(map[string]*memoryNamespace),
	}
}

func newLock(opts Options) *sync.RWMutex {
	if opts.ConcurrencySafe {
		return &sync.RWMutex{}
	}
	return nil
}

func lockR(mu *sync.RWMutex) func() {
	if mu == nil {
		return func() {}
	}
	mu.RLock()
	return mu.RUnlock
}

func lockW(mu *sync.RWMutex) func() {
	if mu == nil {
		return func() {}
	}
	mu.Lock()
	return mu.Unlock
}

// now is a small indirection to allow test stubbing if needed.
var now = time.Now

// Open implements Storage.Open. Opening an existing name returns the same namespace.
func (m *Memory) Open(_ context.Context, name string) (Namespace, error) {
	unlock := lockW(m.muPtr)
	defer unlock()

	ns, ok := m.namespaces[name]
	if !ok {
		ns = &memoryNamespace{
			name:  name,
			muPtr: newLock(m.opts),
			items: make(map[string]Entry),
		}
		m.namespaces[name] = ns
	}
	return ns, nil
}

// Delete implements Storage.Delete.
func (m *Memory) Delete(_ context.Context, name string) error {
	unlock := lockW(m.muPtr)
	defer unlock()
	if ns, ok := m.namespaces[name]; ok {
		ns.reset()
		delete(m.namespaces, name)
	}
	return nil
}

// Names implements Storage.Names. Names are returned sorted.
func (m *Memory) Names(_ context.Context) ([]string, error) {
	unlock := lockR(m.muPtr)
	defer unlock()
	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type memoryNamespace struct {
	name  string
	muPtr *sync.RWMutex

	seq   uint64
	items map[string]Entry
}

func (n *memoryNamespace) Name() string { return n.name }

// Match implements Namespace.Match. The returned entry is a copy.
func (n *memoryNamespace) Match(_ context.Context, key string) (*Entry, error) {
	unlock := lockR(n.muPtr)
	defer unlock()

	e, ok := n.items[key]
	if !ok {
		return nil, ErrMiss
	}
	return copyEntry(e), nil
}

// Put implements Namespace.Put.
func (n *memoryNamespace) Put(_ context.Context, e *Entry) error {
	unlock := lockW(n.muPtr)
	defer unlock()

	n.seq++
	stored := *copyEntry(*e)
	stored.Seq = n.seq
	if stored.FetchedAt.IsZero() {
		stored.FetchedAt = now()
	}
	if stored.LastUsed.IsZero() {
		stored.LastUsed = stored.FetchedAt
	}
	n.items[e.Key] = stored
	return nil
}

// Remove implements Namespace.Remove.
func (n *memoryNamespace) Remove(_ context.Context, key string) error {
	unlock := lockW(n.muPtr)
	defer unlock()
	delete(n.items, key)
	return nil
}

// Touch implements Namespace.Touch.
func (n *memoryNamespace) Touch(_ context.Context, key string, at time.Time) error {
	unlock := lockW(n.muPtr)
	defer unlock()
	if e, ok := n.items[key]; ok {
		e.LastUsed = at
		n.items[key] = e
	}
	return nil
}

// Keys implements Namespace.Keys.
func (n *memoryNamespace) Keys(_ context.Context, order Order) ([]string, error) {
	unlock := lockR(n.muPtr)
	defer unlock()

	entries := make([]Entry, 0, len(n.items))
	for _, e := range n.items {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if order == Recency && !entries[i].LastUsed.Equal(entries[j].LastUsed) {
			return entries[i].LastUsed.Before(entries[j].LastUsed)
		}
		return entries[i].Seq < entries[j].Seq
	})
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

// Len implements Namespace.Len.
func (n *memoryNamespace) Len(_ context.Context) (int, error) {
	unlock := lockR(n.muPtr)
	defer unlock()
	return len(n.items), nil
}

// Oldest implements Namespace.Oldest.
func (n *memoryNamespace) Oldest(_ context.Context) (time.Time, bool, error) {
	unlock := lockR(n.muPtr)
	defer unlock()

	var oldest time.Time
	found := false
	for _, e := range n.items {
		if !found || e.FetchedAt.Before(oldest) {
			oldest = e.FetchedAt
			found = true
		}
	}
	return oldest, found, nil
}

// Clear implements Namespace.Clear.
func (n *memoryNamespace) Clear(_ context.Context) error {
	n.reset()
	return nil
}

func (n *memoryNamespace) reset() {
	unlock := lockW(n.muPtr)
	defer unlock()
	n.items = make(map[string]Entry)
}

func copyEntry(e Entry) *Entry {
	c := e
	if e.Header != nil {
		c.Header = e.Header.Clone()
	}
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	return &c
}

// Ensure Memory implements Storage at compile time.
var _ Storage = (*Memory)(nil)
