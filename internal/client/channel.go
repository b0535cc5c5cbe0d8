// internal/client/channel.go

// Package client implements the user-side realtime core: the persistent
// relay channel, conversation and message state, typing indicators, and
// call signaling with its media transport.
package client

import (
	"context"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

// Channel is the slice of the connection manager the other components
// depend on. *Conn satisfies it; tests substitute an in-memory fake.
type Channel interface {
	// Emit sends a fire-and-forget event. Returns ErrNotConnected while
	// the channel is down.
	Emit(event realtime.EventKind, payload interface{}) error
	// Request sends an event and waits for the correlated ack.
	Request(ctx context.Context, event realtime.EventKind, payload interface{}) (*realtime.Ack, error)
	// On registers an inbound event handler and returns its unsubscribe
	// function.
	On(event realtime.EventKind, fn EventHandler) func()
	// OnStateChange registers a connectivity observer.
	OnStateChange(fn StateHandler) func()
	// Connected reports current connectivity.
	Connected() bool
}

var _ Channel = (*Conn)(nil)
