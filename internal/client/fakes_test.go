// internal/client/fakes_test.go
// In-memory channel and virtual clock shared by the package tests.

package client

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

// fakeClock drives timer-based behavior with virtual time.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	fn       func()
	done     bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves virtual time forward, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.done && !t.deadline.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fn()
	}
}

// fakeChannel is an in-memory Channel. Tests deliver inbound events with
// deliver() and script ack responses with ackFn.
type fakeChannel struct {
	mu            sync.Mutex
	connected     bool
	emitted       []realtime.Envelope
	requested     []realtime.Envelope
	handlers      []*fakeSub
	stateHandlers []StateHandler

	// ackFn scripts Request replies. Nil means an empty OK ack.
	ackFn func(event realtime.EventKind, payload json.RawMessage) (*realtime.Ack, error)
}

type fakeSub struct {
	event realtime.EventKind
	fn    EventHandler
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{connected: true}
}

func (c *fakeChannel) Emit(event realtime.EventKind, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.emitted = append(c.emitted, realtime.NewEnvelope(event, payload))
	return nil
}

func (c *fakeChannel) Request(_ context.Context, event realtime.EventKind, payload interface{}) (*realtime.Ack, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	env := realtime.NewEnvelope(event, payload)
	c.requested = append(c.requested, env)
	ackFn := c.ackFn
	c.mu.Unlock()

	if ackFn == nil {
		ack := realtime.OkAck(nil)
		return &ack, nil
	}
	return ackFn(event, env.Data)
}

func (c *fakeChannel) On(event realtime.EventKind, fn EventHandler) func() {
	sub := &fakeSub{event: event, fn: fn}
	c.mu.Lock()
	c.handlers = append(c.handlers, sub)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.handlers {
			if s == sub {
				c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

func (c *fakeChannel) OnStateChange(fn StateHandler) func() {
	c.mu.Lock()
	c.stateHandlers = append(c.stateHandlers, fn)
	c.mu.Unlock()
	return func() {}
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// deliver dispatches an inbound event to subscribers, synchronously, the
// way the real connection's read loop does.
func (c *fakeChannel) deliver(event realtime.EventKind, payload interface{}) {
	env := realtime.NewEnvelope(event, payload)

	c.mu.Lock()
	subs := make([]*fakeSub, 0, len(c.handlers))
	for _, s := range c.handlers {
		if s.event == event {
			subs = append(subs, s)
		}
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(env)
	}
}

func (c *fakeChannel) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	handlers := make([]StateHandler, len(c.stateHandlers))
	copy(handlers, c.stateHandlers)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(connected)
	}
}

// emittedKinds lists fire-and-forget events in emission order.
func (c *fakeChannel) emittedKinds() []realtime.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]realtime.EventKind, len(c.emitted))
	for i, env := range c.emitted {
		kinds[i] = env.Event
	}
	return kinds
}

func (c *fakeChannel) countEmitted(event realtime.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, env := range c.emitted {
		if env.Event == event {
			n++
		}
	}
	return n
}
