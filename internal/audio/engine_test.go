package audio

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"offline-cache-agent/internal/cache"
	"offline-cache-agent/internal/protocol"
	"offline-cache-agent/internal/realtime"
	"offline-cache-agent/internal/testutil"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.PrefetchUpdate
}

func (r *recorder) Broadcast(_ context.Context, msg protocol.Message) realtime.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := msg.(protocol.PrefetchUpdate); ok {
		r.msgs = append(r.msgs, u)
	}
	return realtime.Report{}
}

func (r *recorder) updates() []protocol.PrefetchUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.PrefetchUpdate(nil), r.msgs...)
}

type fixture struct {
	engine   *Engine
	store    *cache.Bounded
	upstream *testutil.Upstream
	bc       *recorder
}

func newFixture(t *testing.T, limit int, cfg Config) *fixture {
	t.Helper()
	ns, err := cache.NewMemory(cache.Options{ConcurrencySafe: true}).Open(context.Background(), "audio-cache")
	require.NoError(t, err)
	store, err := cache.NewBounded(ns, limit, cache.Insertion)
	require.NoError(t, err)

	f := &fixture{store: store, upstream: testutil.NewUpstream(), bc: &recorder{}}
	f.engine, err = New(store, f.upstream, f.bc, cfg, WithLogger(log.New(io.Discard)))
	require.NoError(t, err)
	t.Cleanup(f.engine.Close)
	return f
}

func (f *fixture) cached(t *testing.T, target string) bool {
	t.Helper()
	key, err := cache.KeyForTarget(http.MethodGet, target)
	require.NoError(t, err)
	ok, err := f.store.Has(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func states(q []protocol.TaskDescriptor) map[string]string {
	out := make(map[string]string, len(q))
	for _, d := range q {
		out[d.Path] = d.State
	}
	return out
}

func countInFlight(q []protocol.TaskDescriptor) int {
	n := 0
	for _, d := range q {
		if d.State == InFlight.String() {
			n++
		}
	}
	return n
}

func TestNew_RejectsBadConfig(t *testing.T) {
	ns, _ := cache.NewMemory(cache.Options{}).Open(context.Background(), "a")
	store, err := cache.NewBounded(ns, 1, cache.Insertion)
	require.NoError(t, err)

	_, err = New(store, testutil.NewUpstream(), nil, Config{Concurrency: 0})
	require.Error(t, err)
	_, err = New(store, testutil.NewUpstream(), nil, Config{Concurrency: 1, Retries: -1})
	require.Error(t, err)
}

func TestPrefetch_CapOnePromotesThenAbort(t *testing.T) {
	f := newFixture(t, 10, Config{Concurrency: 1})
	const a, b, c = "/1/audio/x/a.mp3", "/1/audio/y/b.mp3", "/1/audio/y/c.mp3"
	for _, p := range []string{a, b, c} {
		f.upstream.Serve(p, http.StatusOK, "data:"+p)
	}
	releaseA := f.upstream.Hold(a)
	releaseB := f.upstream.Hold(b)
	defer releaseB()
	f.upstream.Hold(c)

	require.Equal(t, 3, f.engine.HandlePrefetch(context.Background(), []string{a, b, c}))
	require.Equal(t, map[string]string{a: "inflight", b: "pending", c: "pending"}, states(f.engine.Queue()))

	releaseA()
	require.Eventually(t, func() bool {
		return states(f.engine.Queue())[b] == "inflight"
	}, waitFor, tick)
	require.Equal(t, map[string]string{b: "inflight", c: "pending"}, states(f.engine.Queue()))
	require.True(t, f.cached(t, a))

	require.Equal(t, 2, f.engine.Abort("/1/audio/y/", false))
	require.Empty(t, f.engine.Queue())

	// the cancelled fetch of b returns; nothing lands in the cache
	require.Eventually(t, func() bool { return f.upstream.Calls(b) == 1 }, waitFor, tick)
	f.engine.Close()
	require.True(t, f.cached(t, a))
	require.False(t, f.cached(t, b))
	require.False(t, f.cached(t, c))
	require.Zero(t, f.upstream.Calls(c))

	size, err := f.store.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, size)
}

func TestPrefetch_NeverExceedsConcurrency(t *testing.T) {
	f := newFixture(t, 10, Config{Concurrency: 2})
	paths := []string{"/1/audio/1.mp3", "/1/audio/2.mp3", "/1/audio/3.mp3", "/1/audio/4.mp3", "/1/audio/5.mp3"}
	releases := make([]func(), len(paths))
	for i, p := range paths {
		f.upstream.Serve(p, http.StatusOK, p)
		releases[i] = f.upstream.Hold(p)
	}

	f.engine.HandlePrefetch(context.Background(), paths)
	for i := range paths {
		q := f.engine.Queue()
		require.LessOrEqual(t, countInFlight(q), 2)
		releases[i]()
		require.Eventually(t, func() bool { return f.cached(t, paths[i]) }, waitFor, tick)
	}
	require.Eventually(t, func() bool { return len(f.engine.Queue()) == 0 }, waitFor, tick)

	size, err := f.store.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(paths), size)
}

func TestPrefetch_SkipsQueuedAndCached(t *testing.T) {
	f := newFixture(t, 10, Config{Concurrency: 1})
	const a, b = "/1/audio/a.mp3", "/1/audio/b.mp3"
	f.upstream.Serve(a, http.StatusOK, "a")
	f.upstream.Serve(b, http.StatusOK, "b")
	release := f.upstream.Hold(b)
	defer release()

	require.Equal(t, 1, f.engine.HandlePrefetch(context.Background(), []string{a}))
	require.Eventually(t, func() bool { return f.cached(t, a) }, waitFor, tick)

	require.Equal(t, 1, f.engine.HandlePrefetch(context.Background(), []string{a, b}))
	require.Equal(t, 0, f.engine.HandlePrefetch(context.Background(), []string{b, "", a}))
	require.Len(t, f.engine.Queue(), 1)
	require.Equal(t, 1, f.upstream.Calls(a))
}

func TestPrefetch_EvictsOldestBeyondLimit(t *testing.T) {
	f := newFixture(t, 2, Config{Concurrency: 1})
	paths := []string{"/1/audio/1.mp3", "/1/audio/2.mp3", "/1/audio/3.mp3"}
	for _, p := range paths {
		f.upstream.Serve(p, http.StatusOK, p)
	}

	f.engine.HandlePrefetch(context.Background(), paths)
	require.Eventually(t, func() bool { return len(f.engine.Queue()) == 0 }, waitFor, tick)

	require.False(t, f.cached(t, paths[0]))
	require.True(t, f.cached(t, paths[1]))
	require.True(t, f.cached(t, paths[2]))
}

func TestAbort_KeepDirect(t *testing.T) {
	f := newFixture(t, 10, Config{Concurrency: 1})
	const first, second, third = "/1/audio/y/a.mp3", "/1/audio/y/b.mp3", "/1/audio/y/c.mp3"
	for _, p := range []string{first, second, third} {
		f.upstream.Serve(p, http.StatusOK, p)
		defer f.upstream.Hold(p)()
	}

	f.engine.HandlePrefetch(context.Background(), []string{first, second, third})

	// the first path is kept when the abort names it exactly
	require.Equal(t, 2, f.engine.Abort(first, true)+f.engine.Abort("/1/audio/y/b", true)+f.engine.Abort("/1/audio/y/c", true))
	require.Equal(t, map[string]string{first: "inflight"}, states(f.engine.Queue()))

	require.Equal(t, 1, f.engine.Abort(first, false))
	require.Empty(t, f.engine.Queue())
}

func TestAbort_KeepDirectKeepsInterceptedLoad(t *testing.T) {
	f := newFixture(t, 10, Config{Concurrency: 1})
	const direct, queued = "/1/audio/y/d.mp3", "/1/audio/y/e.mp3"
	f.upstream.Serve(direct, http.StatusOK, "direct")
	f.upstream.Serve(queued, http.StatusOK, "queued")
	f.upstream.Hold(direct)
	defer f.upstream.Hold(queued)()

	errc := make(chan error, 1)
	go func() {
		_, _, err := f.engine.HandleRequest(context.Background(), httptest.NewRequest(http.MethodGet, direct, nil))
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.upstream.Calls(direct) == 1 }, waitFor, tick)

	// direct loads do not hold a prefetch slot
	f.engine.HandlePrefetch(context.Background(), []string{queued})
	require.Equal(t, map[string]string{direct: "inflight", queued: "inflight"}, states(f.engine.Queue()))

	require.Equal(t, 1, f.engine.Abort("/1/audio/y/", true))
	require.Equal(t, map[string]string{direct: "inflight"}, states(f.engine.Queue()))

	require.Equal(t, 1, f.engine.Abort("/1/audio/y/", false))
	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("aborted direct load did not return")
	}
	require.False(t, f.cached(t, direct))
}

// stubborn ignores cancellation, so its result arrives after the abort.
type stubborn struct {
	unblock chan struct{}
	started chan struct{}
}

func (s *stubborn) Fetch(_ context.Context, _ string, _ string, _ http.Header) (*cache.Entry, error) {
	close(s.started)
	<-s.unblock
	return &cache.Entry{Status: http.StatusOK, Header: http.Header{}, Body: []byte("late"), FetchedAt: time.Now()}, nil
}

func TestAbort_DiscardsLateResult(t *testing.T) {
	ns, err := cache.NewMemory(cache.Options{ConcurrencySafe: true}).Open(context.Background(), "audio-cache")
	require.NoError(t, err)
	store, err := cache.NewBounded(ns, 10, cache.Insertion)
	require.NoError(t, err)
	s := &stubborn{unblock: make(chan struct{}), started: make(chan struct{})}
	bc := &recorder{}
	e, err := New(store, s, bc, Config{Concurrency: 1}, WithLogger(log.New(io.Discard)))
	require.NoError(t, err)

	e.HandlePrefetch(context.Background(), []string{"/1/audio/late.mp3"})
	<-s.started
	require.Equal(t, 1, e.Abort("/1/audio/", false))

	close(s.unblock)
	e.Close()

	ok, err := store.Has(context.Background(), "GET#/1/audio/late.mp3")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, bc.updates())
}

func TestPrefetch_RetriesThenFails(t *testing.T) {
	f := newFixture(t, 10, Config{Concurrency: 1, Retries: 1})
	const p = "/1/audio/broken.mp3"
	f.upstream.Fail(p, errors.New("connection reset"))

	f.engine.HandlePrefetch(context.Background(), []string{p})
	require.Eventually(t, func() bool { return len(f.bc.updates()) == 1 }, waitFor, tick)

	u := f.bc.updates()[0]
	require.Equal(t, p, u.Path)
	require.Equal(t, "failed", u.Status)
	require.Contains(t, u.Error, "connection reset")
	require.Empty(t, u.PendingAudio)
	require.Equal(t, 2, f.upstream.Calls(p))
	require.False(t, f.cached(t, p))
}

func TestPrefetch_NonOKIsFailure(t *testing.T) {
	f := newFixture(t, 10, Config{Concurrency: 1})
	const p = "/1/audio/missing.mp3"

	f.engine.HandlePrefetch(context.Background(), []string{p})
	require.Eventually(t, func() bool { return len(f.bc.updates()) == 1 }, waitFor, tick)
	require.Equal(t, "failed", f.bc.updates()[0].Status)
	require.False(t, f.cached(t, p))
}

func TestPrefetch_UpdateReflectsQueueAfterCompletion(t *testing.T) {
	f := newFixture(t, 10, Config{Concurrency: 1})
	const a, b = "/1/audio/a.mp3", "/1/audio/b.mp3"
	f.upstream.Serve(a, http.StatusOK, "a")
	f.upstream.Serve(b, http.StatusOK, "b")
	defer f.upstream.Hold(b)()

	f.engine.HandlePrefetch(context.Background(), []string{a, b})
	require.Eventually(t, func() bool { return len(f.bc.updates()) == 1 }, waitFor, tick)

	u := f.bc.updates()[0]
	require.Equal(t, a, u.Path)
	require.Equal(t, "done", u.Status)
	require.Empty(t, u.Error)
	require.Len(t, u.PendingAudio, 1)
	require.Equal(t, b, u.PendingAudio[0].Path)
	require.Equal(t, "inflight", u.PendingAudio[0].State)
}

func TestHandleRequest_MissThenHit(t *testing.T) {
	f := newFixture(t, 10, Config{Concurrency: 1})
	const p = "/1/audio/song.mp3"
	f.upstream.Serve(p, http.StatusOK, "song")

	entry, hit, err := f.engine.HandleRequest(context.Background(), httptest.NewRequest(http.MethodGet, p, nil))
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, "song", string(entry.Body))

	entry, hit, err = f.engine.HandleRequest(context.Background(), httptest.NewRequest(http.MethodGet, p, nil))
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, "song", string(entry.Body))
	require.Equal(t, 1, f.upstream.Calls(p))
	require.Empty(t, f.engine.Queue())
}

func TestHandleRequest_NonOKPassesThroughUncached(t *testing.T) {
	f := newFixture(t, 10, Config{Concurrency: 1})
	const p = "/1/audio/gone.mp3"

	entry, hit, err := f.engine.HandleRequest(context.Background(), httptest.NewRequest(http.MethodGet, p, nil))
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, http.StatusNotFound, entry.Status)
	require.False(t, f.cached(t, p))
	require.Empty(t, f.engine.Queue())
}

func TestHandleRequest_PromotesPendingPrefetch(t *testing.T) {
	f := newFixture(t, 10, Config{Concurrency: 1})
	const busy, wanted = "/1/audio/busy.mp3", "/1/audio/wanted.mp3"
	f.upstream.Serve(busy, http.StatusOK, "busy")
	f.upstream.Serve(wanted, http.StatusOK, "wanted")
	defer f.upstream.Hold(busy)()

	f.engine.HandlePrefetch(context.Background(), []string{busy, wanted})
	require.Equal(t, "pending", states(f.engine.Queue())[wanted])

	entry, hit, err := f.engine.HandleRequest(context.Background(), httptest.NewRequest(http.MethodGet, wanted, nil))
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, "wanted", string(entry.Body))
	require.True(t, f.cached(t, wanted))
	require.Equal(t, map[string]string{busy: "inflight"}, states(f.engine.Queue()))
	require.Equal(t, 1, f.upstream.Calls(wanted))
}

func TestHandleRequest_SharesConcurrentMisses(t *testing.T) {
	f := newFixture(t, 10, Config{Concurrency: 1})
	const p = "/1/audio/shared.mp3"
	f.upstream.Serve(p, http.StatusOK, "shared")
	release := f.upstream.Hold(p)

	var wg sync.WaitGroup
	bodies := make([]string, 3)
	for i := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, _, err := f.engine.HandleRequest(context.Background(), httptest.NewRequest(http.MethodGet, p, nil))
			if err == nil {
				bodies[i] = string(entry.Body)
			}
		}()
	}
	require.Eventually(t, func() bool { return f.upstream.Calls(p) == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	require.Equal(t, []string{"shared", "shared", "shared"}, bodies)
	require.Equal(t, 1, f.upstream.Calls(p))
}

func TestClose_StopsQueue(t *testing.T) {
	f := newFixture(t, 10, Config{Concurrency: 1})
	const p = "/1/audio/slow.mp3"
	f.upstream.Serve(p, http.StatusOK, "slow")
	f.upstream.Hold(p)

	f.engine.HandlePrefetch(context.Background(), []string{p})
	f.engine.Close()

	require.Zero(t, f.engine.HandlePrefetch(context.Background(), []string{"/1/audio/other.mp3"}))
	require.False(t, f.cached(t, p))
}
