package handlers

import (
	"context"
	"errors"
	"net/http"

	"offline-cache-agent/internal/protocol"
	"offline-cache-agent/internal/settings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// QueueSource reports the audio queue.
type QueueSource interface {
	Queue() []protocol.TaskDescriptor
}

// SettingsStore persists the API cache cutoff.
type SettingsStore interface {
	APICacheAge(ctx context.Context) (int64, error)
	SetAPICacheAge(ctx context.Context, cutoffMillis int64) error
}

// APICacheAgeRequest is the body of PUT /_agent/config/api-cache-age.
type APICacheAgeRequest struct {
	// Age is the cutoff in Unix milliseconds.
	Age *int64 `json:"age" binding:"required"`
}

// Control serves the agent's own HTTP endpoints.
type Control struct {
	queue    QueueSource
	settings SettingsStore
	log      *log.Logger
}

// NewControl returns a Control. logger may be nil.
func NewControl(queue QueueSource, s SettingsStore, logger *log.Logger) *Control {
	if logger == nil {
		logger = log.Default()
	}
	return &Control{queue: queue, settings: s, log: logger}
}

// Health reports liveness.
func (h *Control) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Offline cache agent is running",
	})
}

// Queue returns the pending audio loads.
func (h *Control) Queue(c *gin.Context) {
	q := h.queue.Queue()
	if q == nil {
		q = []protocol.TaskDescriptor{}
	}
	c.JSON(http.StatusOK, gin.H{"pendingAudio": q})
}

// GetAPICacheAge returns the stored cutoff, or null when none is set.
func (h *Control) GetAPICacheAge(c *gin.Context) {
	age, err := h.settings.APICacheAge(c.Request.Context())
	if err != nil && !errors.Is(err, settings.ErrNotFound) {
		h.log.Warn("reading API cache age failed", "err", err)
	}
	if age == settings.NoCutoff {
		c.JSON(http.StatusOK, gin.H{"age": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"age": age})
}

// PutAPICacheAge stores a new cutoff. Pages send UpdateConfig afterwards to apply it.
func (h *Control) PutAPICacheAge(c *gin.Context) {
	var req APICacheAgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if *req.Age < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "age must not be negative"})
		return
	}
	if err := h.settings.SetAPICacheAge(c.Request.Context(), *req.Age); err != nil {
		h.log.Error("storing API cache age failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store API cache age"})
		return
	}
	h.log.Info("API cache age stored", "age", *req.Age)
	c.JSON(http.StatusOK, gin.H{"age": *req.Age})
}
