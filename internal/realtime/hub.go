package realtime

import (
	"context"
	"sync"

	"offline-cache-agent/internal/metrics"
	"offline-cache-agent/internal/protocol"

	"github.com/charmbracelet/log"
)

// Client represents a single page instance connection.
// We keep it minimal here; the actual network conn is managed in the ws handler.
type Client interface {
	ID() string
	Send(message []byte) bool
	Close()
}

// Report is the outcome of one broadcast fan-out.
type Report struct {
	Delivered int
	Failed    []string
}

// Hub maintains the connected page instances and broadcasts messages to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]Client

	log     *log.Logger
	metrics *metrics.Recorder
}

// NewHub returns an empty hub. logger and rec may be nil.
func NewHub(logger *log.Logger, rec *metrics.Recorder) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		clients: make(map[string]Client),
		log:     logger,
		metrics: rec,
	}
}

// Register adds a client. A client registering twice replaces itself.
func (h *Hub) Register(client Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID()] = client
}

// Unregister removes a client.
func (h *Hub) Unregister(client Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[client.ID()]; ok && c == client {
		delete(h.clients, client.ID())
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast encodes msg and sends it to every connected client.
// Recipients are snapshotted first; a failed send is logged and does not stop the rest.
func (h *Hub) Broadcast(ctx context.Context, msg protocol.Message) Report {
	frame, err := protocol.Encode(msg)
	if err != nil {
		h.log.Error("cannot encode broadcast", "kind", msg.Kind(), "err", err)
		return Report{}
	}
	return h.BroadcastRaw(ctx, frame)
}

// BroadcastRaw sends an already encoded frame to every connected client.
func (h *Hub) BroadcastRaw(ctx context.Context, frame []byte) Report {
	h.mu.RLock()
	recipients := make([]Client, 0, len(h.clients))
	for _, c := range h.clients {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()

	var report Report
	for _, c := range recipients {
		if ok := c.Send(frame); !ok {
			// client write failed; let the handler clean it up on its side
			h.log.Warn("broadcast delivery failed", "client", c.ID())
			report.Failed = append(report.Failed, c.ID())
			continue
		}
		report.Delivered++
	}
	h.metrics.Deliveries(ctx, report.Delivered, len(report.Failed))
	return report
}
