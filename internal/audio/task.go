package audio

import (
	"context"
	"time"

	"offline-cache-agent/internal/protocol"
)

// State is the lifecycle state of an audio load.
type State int

const (
	Pending State = iota
	InFlight
	Done
	Aborted
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "inflight"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is one queued or in-flight audio load. Only the queue holds tasks;
// a task leaves the queue when it reaches Done, Aborted or Failed.
type Task struct {
	ID       uint64
	Path     string
	Key      string
	Enqueued time.Time
	State    State

	// Depth is the position of the path in its Prefetch message; direct
	// interception misses are depth zero.
	Depth int
	// Direct marks loads started by an intercepted request rather than a Prefetch.
	Direct   bool
	Attempts int

	cancel context.CancelFunc
}

func (t *Task) descriptor() protocol.TaskDescriptor {
	return protocol.TaskDescriptor{
		Path:     t.Path,
		State:    t.State.String(),
		Direct:   t.Direct,
		Attempts: t.Attempts,
		Enqueued: t.Enqueued,
	}
}
