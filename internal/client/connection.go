// internal/client/connection.go
// Connection manager: owns the single persistent event channel to the relay.
// All other components reach the wire only through this type.

package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

var (
	ErrNoCredential = errors.New("no credential available")
	ErrNotConnected = errors.New("not connected to relay")
	ErrClosed       = errors.New("connection closed")
	ErrAckTimeout   = errors.New("relay did not acknowledge in time")
	ErrAckFailed    = errors.New("relay rejected request")
)

// Options tunes the connection manager. Zero values fall back to defaults
// matching the relay's configuration.
type Options struct {
	// ReconnectAttempts bounds automatic reconnection; exceeding it leaves
	// the connection in the disconnected state until the credential changes
	// or Connect is called again.
	ReconnectAttempts int
	// ReconnectBackoff is the fixed delay between attempts.
	ReconnectBackoff time.Duration
	// AckTimeout bounds how long Request waits for a relay ack.
	AckTimeout time.Duration

	Clock  Clock
	Dialer *websocket.Dialer
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 5
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 2 * time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = NewClock()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return opts
}

// EventHandler receives one inbound envelope. Handlers run synchronously in
// arrival order on the read goroutine; a slow handler delays everything
// behind it.
type EventHandler func(env realtime.Envelope)

// StateHandler observes connectivity changes.
type StateHandler func(connected bool)

type eventSub struct {
	event realtime.EventKind
	fn    EventHandler
}

type stateSub struct {
	fn StateHandler
}

// Conn is the connection manager. Construct with NewConn, provide a
// credential, then Connect.
type Conn struct {
	url  string
	opts Options

	mu         sync.Mutex
	credential string
	ws         *websocket.Conn
	connected  bool
	closed     bool
	generation int

	writeMu sync.Mutex

	subsMu    sync.RWMutex
	subs      []*eventSub
	stateSubs []*stateSub

	pendingMu sync.Mutex
	pending   map[string]chan realtime.Ack
}

// NewConn creates a connection manager for the relay websocket endpoint.
// No connection attempt is made until a credential is set.
func NewConn(url string, opts Options) *Conn {
	return &Conn{
		url:     url,
		opts:    opts.withDefaults(),
		pending: make(map[string]chan realtime.Ack),
	}
}

// SetCredential replaces the bearer credential. Any existing channel is torn
// down; if the new credential is non-empty a fresh channel is established.
// An empty credential leaves the manager in the absent state: disconnected,
// and not an error.
func (c *Conn) SetCredential(credential string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	c.credential = credential
	wasConnected := c.teardownLocked()

	if credential == "" {
		c.mu.Unlock()
		if wasConnected {
			c.notifyState(false)
		}
		return nil
	}

	err := c.dialLocked()
	nowConnected := c.connected
	c.mu.Unlock()

	// State notifications are delivered synchronously and in order here;
	// spawning them from under the lock would let the down/up pair arrive
	// inverted and leave dependents acting on a stale disconnect.
	if wasConnected {
		c.notifyState(false)
	}
	if nowConnected {
		c.notifyState(true)
	}
	return err
}

// Connect establishes the channel with the current credential.
func (c *Conn) Connect() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.credential == "" {
		c.mu.Unlock()
		return ErrNoCredential
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	err := c.dialLocked()
	c.mu.Unlock()

	if err == nil {
		c.notifyState(true)
	}
	return err
}

// Connected reports whether the channel is currently up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// On registers a handler for an event kind and returns its unsubscribe
// function. The caller that registers owns the teardown.
func (c *Conn) On(event realtime.EventKind, fn EventHandler) (unsubscribe func()) {
	sub := &eventSub{event: event, fn: fn}

	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		for i, s := range c.subs {
			if s == sub {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers a connectivity observer and returns its
// unsubscribe function.
func (c *Conn) OnStateChange(fn StateHandler) (unsubscribe func()) {
	sub := &stateSub{fn: fn}

	c.subsMu.Lock()
	c.stateSubs = append(c.stateSubs, sub)
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		for i, s := range c.stateSubs {
			if s == sub {
				c.stateSubs = append(c.stateSubs[:i], c.stateSubs[i+1:]...)
				return
			}
		}
	}
}

// Emit sends a fire-and-forget event. Emitting while disconnected is a
// failure result, never a panic.
func (c *Conn) Emit(event realtime.EventKind, payload interface{}) error {
	return c.write(realtime.NewEnvelope(event, payload))
}

// Request sends an event and waits for the correlated ack. "Relay never
// responded" is a first-class outcome: ErrAckTimeout after the configured
// bound.
func (c *Conn) Request(ctx context.Context, event realtime.EventKind, payload interface{}) (*realtime.Ack, error) {
	env := realtime.NewEnvelope(event, payload)
	env.AckID = uuid.New().String()

	ch := make(chan realtime.Ack, 1)
	c.pendingMu.Lock()
	c.pending[env.AckID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, env.AckID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return nil, err
	}

	timeout := make(chan struct{})
	timer := c.opts.Clock.AfterFunc(c.opts.AckTimeout, func() { close(timeout) })
	defer timer.Stop()

	select {
	case ack := <-ch:
		if !ack.OK {
			return &ack, fmt.Errorf("%w: %s", ErrAckFailed, ack.Error)
		}
		return &ack, nil
	case <-timeout:
		return nil, ErrAckTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close permanently shuts the manager down.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasConnected := c.teardownLocked()
	c.mu.Unlock()

	if wasConnected {
		c.notifyState(false)
	}
	c.failPending(ErrClosed)
}

// dialLocked establishes the websocket with the current credential. Caller
// holds c.mu.
func (c *Conn) dialLocked() error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.credential)

	ws, resp, err := c.opts.Dialer.Dial(c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.ws = ws
	c.connected = true
	c.generation++

	go c.readLoop(ws, c.generation)

	return nil
}

// teardownLocked closes the physical connection without touching the
// credential and reports whether the channel was up. Caller holds c.mu and
// delivers the disconnect notification after releasing it.
func (c *Conn) teardownLocked() bool {
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	if !c.connected {
		return false
	}
	c.connected = false
	c.generation++
	return true
}

func (c *Conn) readLoop(ws *websocket.Conn, generation int) {
	for {
		var env realtime.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			c.lost(generation)
			return
		}

		if env.Event == realtime.EventAck && env.AckID != "" {
			c.resolveAck(&env)
			continue
		}

		if env.Event == realtime.EventError {
			var p realtime.ErrorPayload
			if err := env.Bind(&p); err == nil {
				log.Printf("Relay error %s: %s", p.Code, p.Message)
			}
		}

		c.dispatch(env)
	}
}

// dispatch fans one inbound envelope out to subscribers, synchronously and
// in registration order.
func (c *Conn) dispatch(env realtime.Envelope) {
	c.subsMu.RLock()
	subs := make([]*eventSub, 0, len(c.subs))
	for _, s := range c.subs {
		if s.event == env.Event {
			subs = append(subs, s)
		}
	}
	c.subsMu.RUnlock()

	for _, s := range subs {
		s.fn(env)
	}
}

func (c *Conn) resolveAck(env *realtime.Envelope) {
	var ack realtime.Ack
	if err := env.Bind(&ack); err != nil {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[env.AckID]
	if ok {
		delete(c.pending, env.AckID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- ack
	}
}

// lost handles an unexpected read failure for the given connection
// generation and drives bounded reconnection.
func (c *Conn) lost(generation int) {
	c.mu.Lock()
	if c.closed || generation != c.generation {
		// Stale loop from a connection already replaced or torn down
		c.mu.Unlock()
		return
	}

	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.connected = false
	c.generation++
	c.mu.Unlock()

	c.failPending(ErrNotConnected)
	c.notifyState(false)

	c.reconnect()
}

// reconnect retries with fixed backoff up to the configured budget. Running
// out of budget surfaces the disconnected state rather than retrying
// forever.
func (c *Conn) reconnect() {
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		wait := make(chan struct{})
		timer := c.opts.Clock.AfterFunc(c.opts.ReconnectBackoff, func() { close(wait) })
		<-wait
		timer.Stop()

		c.mu.Lock()
		if c.closed || c.credential == "" || c.connected {
			c.mu.Unlock()
			return
		}

		err := c.dialLocked()
		c.mu.Unlock()

		if err == nil {
			c.notifyState(true)
			return
		}
	}
}

func (c *Conn) write(env realtime.Envelope) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.connected
	c.mu.Unlock()

	if !connected || ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ws.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Event, err)
	}
	return nil
}

// failPending resolves every in-flight request with a failed ack so callers
// are never left waiting on a dead channel.
func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan realtime.Ack)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- realtime.Ack{OK: false, Error: err.Error()}
	}
}

func (c *Conn) notifyState(connected bool) {
	c.subsMu.RLock()
	subs := make([]*stateSub, len(c.stateSubs))
	copy(subs, c.stateSubs)
	c.subsMu.RUnlock()

	for _, s := range subs {
		s.fn(connected)
	}
}
