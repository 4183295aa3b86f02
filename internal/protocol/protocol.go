// Package protocol defines the control messages exchanged between pages and the agent.
//
// Every message travels as a JSON object {"kind": "<Kind>", "data": ...}.
// Message is a closed set: only the types in this package implement it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned by Decode for frames that are not a valid envelope
// or whose data does not match the declared kind.
var ErrMalformed = errors.New("protocol: malformed message")

// Kind tags a message on the wire.
type Kind string

const (
	KindPrefetch       Kind = "Prefetch"
	KindAbortLoads     Kind = "AbortLoads"
	KindPing           Kind = "Ping"
	KindPong           Kind = "Pong"
	KindUpdateConfig   Kind = "UpdateConfig"
	KindPrefetchUpdate Kind = "PrefetchUpdate"
)

// Message is one control message.
type Message interface {
	Kind() Kind
	isMessage()
}

// Prefetch asks the agent to cache the listed audio paths ahead of playback.
// The first path is the direct item.
type Prefetch struct {
	Paths []string
}

// AbortLoads cancels queued and in-flight audio loads whose path starts with PathPrefix.
type AbortLoads struct {
	PathPrefix string `json:"pathPrefix"`
	KeepDirect bool   `json:"keepDirect"`
}

// Ping asks for the pending audio queue; the agent answers the sender with a Pong.
type Ping struct{}

// Pong carries the audio queue snapshot taken when the Ping arrived.
type Pong struct {
	PendingAudio []TaskDescriptor `json:"pendingAudio"`
}

// UpdateConfig tells the agent to re-read durable configuration.
type UpdateConfig struct{}

// PrefetchUpdate is broadcast to all pages after an audio load finishes.
type PrefetchUpdate struct {
	Path         string           `json:"path"`
	Status       string           `json:"status"`
	Error        string           `json:"error,omitempty"`
	PendingAudio []TaskDescriptor `json:"pendingAudio"`
}

// Unknown is a well-formed message of a kind this agent does not know.
type Unknown struct {
	Name string
}

// TaskDescriptor describes one pending or in-flight audio load.
type TaskDescriptor struct {
	Path     string    `json:"path"`
	State    string    `json:"state"`
	Direct   bool      `json:"direct"`
	Attempts int       `json:"attempts"`
	Enqueued time.Time `json:"enqueued"`
}

func (Prefetch) Kind() Kind       { return KindPrefetch }
func (AbortLoads) Kind() Kind     { return KindAbortLoads }
func (Ping) Kind() Kind           { return KindPing }
func (Pong) Kind() Kind           { return KindPong }
func (UpdateConfig) Kind() Kind   { return KindUpdateConfig }
func (PrefetchUpdate) Kind() Kind { return KindPrefetchUpdate }
func (u Unknown) Kind() Kind      { return Kind(u.Name) }

func (Prefetch) isMessage()       {}
func (AbortLoads) isMessage()     {}
func (Ping) isMessage()           {}
func (Pong) isMessage()           {}
func (UpdateConfig) isMessage()   {}
func (PrefetchUpdate) isMessage() {}
func (Unknown) isMessage()        {}

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode serializes m into its wire form.
func Encode(m Message) ([]byte, error) {
	var data any
	switch v := m.(type) {
	case Prefetch:
		paths := v.Paths
		if paths == nil {
			paths = []string{}
		}
		data = paths
	case AbortLoads:
		data = v
	case Pong:
		if v.PendingAudio == nil {
			v.PendingAudio = []TaskDescriptor{}
		}
		data = v
	case PrefetchUpdate:
		if v.PendingAudio == nil {
			v.PendingAudio = []TaskDescriptor{}
		}
		data = v
	case Ping, UpdateConfig:
	case Unknown:
		return nil, fmt.Errorf("protocol: cannot encode unknown kind %q", v.Name)
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", m)
	}

	env := envelope{Kind: m.Kind()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses one wire frame. Frames with an unrecognized kind decode to
// Unknown without error.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	}

	switch env.Kind {
	case KindPrefetch:
		var paths []string
		if err := decodeData(env, &paths); err != nil {
			return nil, err
		}
		return Prefetch{Paths: paths}, nil
	case KindAbortLoads:
		var a AbortLoads
		if err := decodeData(env, &a); err != nil {
			return nil, err
		}
		return a, nil
	case KindPing:
		return Ping{}, nil
	case KindPong:
		var p Pong
		if err := decodeData(env, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindUpdateConfig:
		return UpdateConfig{}, nil
	case KindPrefetchUpdate:
		var u PrefetchUpdate
		if err := decodeData(env, &u); err != nil {
			return nil, err
		}
		return u, nil
	default:
		return Unknown{Name: string(env.Kind)}, nil
	}
}

func decodeData(env envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, env.Kind, err)
	}
	return nil
}
