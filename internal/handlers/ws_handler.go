package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"offline-cache-agent/internal/realtime"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	// Prefetch messages carry whole playlists.
	maxMessageSize = 64 << 10
)

// MessageHandler consumes one inbound control frame from a page.
type MessageHandler interface {
	HandleRaw(ctx context.Context, frame []byte, from realtime.Client) error
}

// wsClient implements realtime.Client by wrapping a websocket connection.
// Writes are serialized: replies and broadcasts come from different goroutines.
type wsClient struct {
	id   string
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Send(message []byte) bool {
	if c == nil || c.conn == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		return false
	}
	return true
}

func (c *wsClient) Close() {
	if c != nil && c.conn != nil {
		_ = c.conn.Close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is already handled at Gin level; allow upgrade from any origin here
		return true
	},
}

// ControlChannel connects page instances to the agent.
type ControlChannel struct {
	hub      *realtime.Hub
	messages MessageHandler
	log      *log.Logger
}

// NewControlChannel returns a ControlChannel. logger may be nil.
func NewControlChannel(hub *realtime.Hub, messages MessageHandler, logger *log.Logger) *ControlChannel {
	if logger == nil {
		logger = log.Default()
	}
	return &ControlChannel{hub: hub, messages: messages, log: logger}
}

// Handle upgrades the connection, registers the page with the hub and feeds
// its frames to the message handler until the page goes away.
func (h *ControlChannel) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{id: uuid.NewString(), conn: conn}
	h.hub.Register(client)
	h.log.Info("page connected", "client", client.id, "pages", h.hub.Len())

	// Heartbeat: send periodic pings; close on error
	pingTicker := time.NewTicker(pingPeriod)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
					// ping failed; reader loop will exit on next error
					return
				}
			}
		}
	}()
	defer func() {
		close(done)
		pingTicker.Stop()
		h.hub.Unregister(client)
		client.Close()
		h.log.Info("page disconnected", "client", client.id, "pages", h.hub.Len())
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := context.WithoutCancel(c.Request.Context())
	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			// Normal close or error; exit loop
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}
		// errors are logged by the handler; the channel stays open
		_ = h.messages.HandleRaw(ctx, frame, client)
	}
}
