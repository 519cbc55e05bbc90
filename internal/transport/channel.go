// Package transport owns the one physical websocket connection to the chat
// backend: connect/disconnect, tenant room join/leave, fire-and-forget emit,
// and a typed subscribe registry for inbound event names. It carries no
// business logic; reconnection policy belongs to the orchestrator.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livechat-sync/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
	stateBuffer    = 32
)

// ConnectionState is the transport's lifecycle position.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateJoined       ConnectionState = "joined"
)

// StateChange is published on the state stream whenever the transport moves.
// TenantID is set for StateJoined; Err carries the cause of an unexpected
// disconnect.
type StateChange struct {
	State    ConnectionState
	TenantID string
	Err      error
}

// Handler receives the raw payload of a subscribed event.
type Handler func(data json.RawMessage)

// Channel multiplexes one websocket. Emit never blocks and never confirms
// delivery; confirmations arrive as separate inbound events.
type Channel struct {
	url    string
	log    *slog.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan []byte
	stopc    chan struct{}
	state    ConnectionState
	tenantID string
	pending  string

	subsMu sync.RWMutex
	subs   map[string]map[uuid.UUID]Handler
	tokens map[uuid.UUID]string

	states chan StateChange
}

func NewChannel(url string, logger *slog.Logger) *Channel {
	return &Channel{
		url: url,
		log: logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		state:  StateDisconnected,
		subs:   make(map[string]map[uuid.UUID]Handler),
		tokens: make(map[uuid.UUID]string),
		states: make(chan StateChange, stateBuffer),
	}
}

// States exposes the connection state stream consumed by the orchestrator.
func (c *Channel) States() <-chan StateChange {
	return c.states
}

// Connect dials the backend and starts the read/write pumps. It is a no-op
// while a connection is already up.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.publish(StateChange{State: StateConnecting})

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.publish(StateChange{State: StateDisconnected, Err: err})
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, sendBuffer)
	c.stopc = make(chan struct{})
	c.state = StateConnected
	c.tenantID = ""
	send, stopc := c.send, c.stopc
	c.mu.Unlock()

	go c.readPump(conn, stopc)
	go c.writePump(conn, send, stopc)

	c.publish(StateChange{State: StateConnected})
	return nil
}

// Disconnect closes the connection deliberately; no error is published.
func (c *Channel) Disconnect() {
	c.teardown(nil)
}

// JoinTenant emits the join intent for a tenant room. Joining the tenant the
// channel is already in is a no-op; joining a different tenant leaves the
// previous room first. The join is acknowledged by a tenant_joined event.
func (c *Channel) JoinTenant(tenantID, agentID string) {
	c.mu.Lock()
	if c.state == StateJoined && c.tenantID == tenantID {
		c.mu.Unlock()
		return
	}
	previous := c.tenantID
	c.pending = tenantID
	c.mu.Unlock()

	if previous != "" && previous != tenantID {
		c.Emit(domain.IntentTenantLeave, domain.TenantLeaveIntent{TenantID: previous})
	}
	c.Emit(domain.IntentTenantJoin, domain.TenantJoinIntent{TenantID: tenantID, AgentID: agentID})
}

// LeaveTenant emits the leave intent for the current room.
func (c *Channel) LeaveTenant() {
	c.mu.Lock()
	tenantID := c.tenantID
	c.tenantID = ""
	c.pending = ""
	if c.state == StateJoined {
		c.state = StateConnected
	}
	c.mu.Unlock()

	if tenantID != "" {
		c.Emit(domain.IntentTenantLeave, domain.TenantLeaveIntent{TenantID: tenantID})
	}
}

// Emit sends an event without waiting for delivery. When the channel is not
// connected, or the send buffer is full, the event is dropped and logged;
// callers must rely on inbound events for confirmation.
func (c *Channel) Emit(event string, payload any) {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		c.log.Error("emit marshal failed", slog.String("event", event), slog.Any("error", err))
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		c.log.Error("emit marshal failed", slog.String("event", event), slog.Any("error", err))
		return
	}

	c.mu.Lock()
	send := c.send
	connected := c.state == StateConnected || c.state == StateJoined
	c.mu.Unlock()

	if !connected || send == nil {
		c.log.Warn("emit dropped, not connected", slog.String("event", event))
		return
	}
	select {
	case send <- frame:
	default:
		c.log.Warn("emit dropped, send buffer full", slog.String("event", event))
	}
}

// Subscribe registers a handler for an inbound event name and returns the
// token that releases it.
func (c *Channel) Subscribe(event string, h Handler) uuid.UUID {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	token := uuid.New()
	if c.subs[event] == nil {
		c.subs[event] = make(map[uuid.UUID]Handler)
	}
	c.subs[event][token] = h
	c.tokens[token] = event
	return token
}

// Unsubscribe releases a handler registration.
func (c *Channel) Unsubscribe(token uuid.UUID) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	event, ok := c.tokens[token]
	if !ok {
		return
	}
	delete(c.tokens, token)
	if handlers, ok := c.subs[event]; ok {
		delete(handlers, token)
		if len(handlers) == 0 {
			delete(c.subs, event)
		}
	}
}

func (c *Channel) readPump(conn *websocket.Conn, stopc chan struct{}) {
	defer c.teardownFrom(conn)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopc:
				// deliberate disconnect, already torn down
			default:
				c.log.Warn("websocket read failed", slog.Any("error", err))
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.log.Warn("malformed frame dropped", slog.Any("error", err))
			continue
		}
		c.observe(env)
		c.dispatch(env)
	}
}

func (c *Channel) writePump(conn *websocket.Conn, send chan []byte, stopc chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stopc:
			return
		case frame := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn("websocket write failed", slog.Any("error", err))
				c.teardownFrom(conn)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardownFrom(conn)
				return
			}
		}
	}
}

// observe updates connection state from join lifecycle events before they
// reach subscribers.
func (c *Channel) observe(env domain.Envelope) {
	switch env.Event {
	case domain.EventTenantJoined:
		var ev domain.TenantJoinedEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		c.mu.Lock()
		c.tenantID = ev.TenantID
		c.pending = ""
		c.state = StateJoined
		c.mu.Unlock()
		c.publish(StateChange{State: StateJoined, TenantID: ev.TenantID})
	case domain.EventTenantError:
		var ev domain.TenantErrorEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		c.mu.Lock()
		c.pending = ""
		c.mu.Unlock()
		c.log.Warn("tenant join rejected",
			slog.String("tenant_id", ev.TenantID),
			slog.String("error", ev.Error),
		)
	}
}

func (c *Channel) dispatch(env domain.Envelope) {
	c.subsMu.RLock()
	handlers := make([]Handler, 0, len(c.subs[env.Event]))
	for _, h := range c.subs[env.Event] {
		handlers = append(handlers, h)
	}
	c.subsMu.RUnlock()

	for _, h := range handlers {
		c.invoke(env.Event, h, env.Data)
	}
}

// invoke isolates subscriber panics so one bad handler cannot kill the pump.
func (c *Channel) invoke(event string, h Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked",
				slog.String("event", event),
				slog.Any("panic", r),
			)
		}
	}()
	h(data)
}

// teardownFrom closes only if conn is still the active connection, so a
// stale pump cannot tear down its successor.
func (c *Channel) teardownFrom(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.teardown(nil)
}

func (c *Channel) teardown(err error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	stopc := c.stopc
	c.conn = nil
	c.send = nil
	c.stopc = nil
	c.state = StateDisconnected
	c.tenantID = ""
	c.pending = ""
	c.mu.Unlock()

	close(stopc)
	conn.Close()
	c.publish(StateChange{State: StateDisconnected, Err: err})
}

// publish never blocks; if the consumer lags the oldest notification is
// dropped in favor of the newest, which is the one that matters.
func (c *Channel) publish(change StateChange) {
	for {
		select {
		case c.states <- change:
			return
		default:
			select {
			case <-c.states:
			default:
			}
		}
	}
}
