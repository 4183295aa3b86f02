// Package router dispatches decoded control messages to the engines.
package router

import (
	"context"
	"errors"
	"fmt"

	"offline-cache-agent/internal/protocol"
	"offline-cache-agent/internal/realtime"

	"github.com/charmbracelet/log"
)

// AudioQueue is the part of the audio engine the router drives.
type AudioQueue interface {
	HandlePrefetch(ctx context.Context, paths []string) int
	Abort(pathPrefix string, keepDirect bool) int
	Queue() []protocol.TaskDescriptor
}

// Reloader re-reads durable configuration.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ErrReplyFailed is returned when a Pong could not be delivered to its sender.
var ErrReplyFailed = errors.New("router: reply not delivered")

// Router routes inbound messages. It holds no state of its own.
type Router struct {
	audio    AudioQueue
	settings Reloader
	log      *log.Logger
}

// New returns a Router. logger may be nil.
func New(audio AudioQueue, settings Reloader, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Default()
	}
	return &Router{audio: audio, settings: settings, log: logger}
}

// HandleRaw decodes one frame from a page and dispatches it.
// Malformed frames are logged and dropped.
func (r *Router) HandleRaw(ctx context.Context, frame []byte, from realtime.Client) error {
	msg, err := protocol.Decode(frame)
	if err != nil {
		r.log.Warn("dropping malformed message", "client", clientID(from), "err", err)
		return err
	}
	return r.Dispatch(ctx, msg, from)
}

// Dispatch acts on msg. Pong replies go only to from; every other kind
// replies to nobody.
func (r *Router) Dispatch(ctx context.Context, msg protocol.Message, from realtime.Client) error {
	switch m := msg.(type) {
	case protocol.Prefetch:
		n := r.audio.HandlePrefetch(ctx, m.Paths)
		r.log.Debug("prefetch requested", "paths", len(m.Paths), "queued", n)
	case protocol.AbortLoads:
		n := r.audio.Abort(m.PathPrefix, m.KeepDirect)
		r.log.Debug("loads aborted", "prefix", m.PathPrefix, "keepDirect", m.KeepDirect, "aborted", n)
	case protocol.Ping:
		return r.reply(from, protocol.Pong{PendingAudio: r.audio.Queue()})
	case protocol.UpdateConfig:
		if err := r.settings.Reload(ctx); err != nil {
			return fmt.Errorf("reload config: %w", err)
		}
	case protocol.Unknown:
		r.log.Debug("ignoring unknown message", "kind", m.Name, "client", clientID(from))
	default:
		// agent-to-page kinds echoed back by a page
		r.log.Debug("ignoring message", "kind", msg.Kind(), "client", clientID(from))
	}
	return nil
}

func (r *Router) reply(to realtime.Client, msg protocol.Message) error {
	if to == nil {
		return fmt.Errorf("%w: no sender", ErrReplyFailed)
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if !to.Send(frame) {
		r.log.Warn("reply delivery failed", "client", to.ID(), "kind", msg.Kind())
		return fmt.Errorf("%w: client %s", ErrReplyFailed, to.ID())
	}
	return nil
}

func clientID(c realtime.Client) string {
	if c == nil {
		return ""
	}
	return c.ID()
}
