package realtime

import (
	"context"
	"io"
	"sync"
	"testing"

	"offline-cache-agent/internal/protocol"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id   string
	fail bool

	mu   sync.Mutex
	sent [][]byte
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Send(message []byte) bool {
	if c.fail {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, message)
	return true
}

func (c *fakeClient) Close() {}

func TestHub_BroadcastReachesEveryone(t *testing.T) {
	h := NewHub(log.New(io.Discard), nil)
	a := &fakeClient{id: "a"}
	b := &fakeClient{id: "b", fail: true}
	c := &fakeClient{id: "c"}
	h.Register(a)
	h.Register(b)
	h.Register(c)
	require.Equal(t, 3, h.Len())

	report := h.Broadcast(context.Background(), protocol.PrefetchUpdate{Path: "/1/audio/a.mp3", Status: "done"})
	require.Equal(t, 2, report.Delivered)
	require.Equal(t, []string{"b"}, report.Failed)
	require.Len(t, a.sent, 1)
	require.Len(t, c.sent, 1)

	msg, err := protocol.Decode(a.sent[0])
	require.NoError(t, err)
	require.Equal(t, protocol.KindPrefetchUpdate, msg.Kind())
}

func TestHub_Unregister(t *testing.T) {
	h := NewHub(nil, nil)
	a := &fakeClient{id: "a"}
	h.Register(a)

	// a stale handle with the same id must not remove the live client
	h.Unregister(&fakeClient{id: "a"})
	require.Equal(t, 1, h.Len())

	h.Unregister(a)
	require.Zero(t, h.Len())

	report := h.Broadcast(context.Background(), protocol.Ping{})
	require.Zero(t, report.Delivered)
}
