// Package events implements the event/tally WebSocket fan-out engine of spec.md
// §4.5: one listener, many connections, each connection owning a dedicated
// emission task and a bounded per-connection send buffer that closes the
// connection on overflow rather than dropping grains silently.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	nmoserrors "github.com/nmosnode/node/internal/errors"
	"github.com/nmosnode/node/internal/model"
	"github.com/nmosnode/node/pkg/buffer"
	"github.com/nmosnode/node/pkg/timestamp"

	"github.com/gorilla/websocket"
)

// ConnState is a connection's position in the lifecycle named in §4.5.
type ConnState int

const (
	Connecting ConnState = iota
	Authorizing
	Open
	Running
	Closing
	Closed
)

// Grain is a single timestamped event payload (spec.md §3).
type Grain struct {
	OriginTimestamp timestamp.Version
	SyncTimestamp   timestamp.Version
	CreationStamp   timestamp.Version
	SourceID        string
	EventType       model.EventType
	Identity        json.RawMessage
	Value           json.RawMessage
}

// SourceState is what the Resource Store's producer side reports about a source
// whenever its current value changes; the engine turns each into one grain per
// matching subscription.
type SourceState struct {
	SourceID  string
	EventType model.EventType
	Identity  json.RawMessage
	Value     json.RawMessage
}

// subscription is one peer's interest in a source, scoped to one connection.
type subscription struct {
	id         string
	sourceID   string
	eventType  model.EventType
	establishedAt time.Time
	seq        timestamp.VersionClock
}

const sendBufferCapacity = 256

// connection owns one WebSocket, its subscriptions, and its dedicated emission
// task (single-threaded per connection, per §4.5, so grain ordering within the
// connection is never interleaved by the writer goroutine).
type connection struct {
	conn  *websocket.Conn
	log   *slog.Logger
	state ConnState

	mu   sync.Mutex
	subs map[string]*subscription // keyed by subscription id

	outbox buffer.Buffer[Grain]
	done   chan struct{}
}

// Engine owns every open connection and dispatches grains produced by source
// state changes to the subscriptions that match by event type.
type Engine struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[*connection]struct{}

	upgrader websocket.Upgrader

	// currentState supplies a source's current value for the initial "state"
	// grain emitted on subscribe (§4.5 OPEN).
	currentState func(sourceID string) (SourceState, bool)

	onGrain     func(Grain)
	mirrorClock timestamp.VersionClock
}

// OnGrain registers a callback invoked once for every Publish call, whether or
// not any subscription matches, for an operational bridge (e.g. an external
// mirror) to observe without participating in delivery itself. The callback runs
// synchronously before subscribers are matched, so a slow callback delays that
// Publish call's delivery to WebSocket subscribers.
func (e *Engine) OnGrain(fn func(Grain)) {
	e.mu.Lock()
	e.onGrain = fn
	e.mu.Unlock()
}

// New returns an Engine. currentState is consulted when a subscription is first
// established to emit the initial state grain.
func New(log *slog.Logger, currentState func(sourceID string) (SourceState, bool)) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:          log,
		conns:        make(map[*connection]struct{}),
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		currentState: currentState,
	}
}

// HandleUpgrade implements CONNECTING -> AUTHORIZING -> OPEN (§4.5): it upgrades
// the request, creates the initial subscription set named by the path's source
// ids, and starts the connection's emission task. No authorization check is made
// during AUTHORIZING, and the upgrader accepts every origin.
func (e *Engine) HandleUpgrade(w http.ResponseWriter, r *http.Request, sourceIDs []string) error {
	wsConn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nmoserrors.WrapTransient(err, "events", "HandleUpgrade", "upgrade connection")
	}

	outbox, err := buffer.NewCircularBuffer[Grain](sendBufferCapacity,
		buffer.WithOverflowPolicy[Grain](buffer.DropNewest),
	)
	if err != nil {
		_ = wsConn.Close()
		return nmoserrors.WrapFatal(err, "events", "HandleUpgrade", "create send buffer")
	}

	c := &connection{
		conn:   wsConn,
		log:    e.log,
		state:  Authorizing,
		subs:   make(map[string]*subscription),
		outbox: outbox,
		done:   make(chan struct{}),
	}

	for i, sourceID := range sourceIDs {
		sub := &subscription{id: subscriptionID(c, i), sourceID: sourceID}
		c.subs[sub.id] = sub
		if state, ok := e.currentState(sourceID); ok {
			c.enqueue(initialGrain(sub, state))
		}
	}
	c.state = Open

	e.mu.Lock()
	e.conns[c] = struct{}{}
	e.mu.Unlock()

	c.state = Running
	go e.runConnection(c)
	return nil
}

func subscriptionID(c *connection, i int) string {
	return c.conn.RemoteAddr().String() + "#" + strconv.Itoa(i)
}

func initialGrain(sub *subscription, state SourceState) Grain {
	now := sub.seq.Next()
	return Grain{
		OriginTimestamp: now, SyncTimestamp: now, CreationStamp: now,
		SourceID: sub.sourceID, EventType: state.EventType,
		Identity: state.Identity, Value: state.Value,
	}
}

// runConnection is the connection's dedicated emission task: it drains the outbox
// and writes frames to the socket, and reads control messages concurrently. It
// implements CLOSING/CLOSED on exit: every subscription is dropped and the buffer
// is released.
func (e *Engine) runConnection(c *connection) {
	defer e.removeConnection(c)
	defer func() {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}()

	go c.readControlMessages()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			for {
				g, ok := c.outbox.Read()
				if !ok {
					break
				}
				if err := c.conn.WriteJSON(wireGrain(g)); err != nil {
					return
				}
			}
		}
	}
}

func (c *connection) readControlMessages() {
	defer func() {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		// Control commands (health, unsubscribe) are out of the initial
		// implementation's scope beyond keeping the read loop alive so pongs and
		// close frames are still processed by gorilla/websocket's internals.
	}
}

func (c *connection) enqueue(g Grain) {
	if err := c.outbox.Write(g); err != nil {
		return
	}
}

func (e *Engine) removeConnection(c *connection) {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
	c.state = Closed
	_ = c.outbox.Close()
	_ = c.conn.Close()
}

// Publish is called by the resource store's producer side whenever a source's
// value changes. It enumerates every open connection's subscriptions matching
// state.EventType via the wildcard rule (§3) and enqueues one grain per match,
// preserving per-subscription ordering. A connection whose outbox is already at
// capacity is closed instead of silently dropping the grain (§4.5's high-water-mark
// policy).
func (e *Engine) Publish(state SourceState) {
	e.mu.RLock()
	conns := make([]*connection, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	onGrain := e.onGrain
	e.mu.RUnlock()

	if onGrain != nil {
		now := e.mirrorClock.Next()
		onGrain(Grain{
			OriginTimestamp: now, SyncTimestamp: now, CreationStamp: now,
			SourceID: state.SourceID, EventType: state.EventType,
			Identity: state.Identity, Value: state.Value,
		})
	}

	for _, c := range conns {
		c.mu.Lock()
		for _, sub := range c.subs {
			if sub.sourceID != state.SourceID {
				continue
			}
			if sub.eventType != "" && !model.IsMatchingEventType(sub.eventType, state.EventType) {
				continue
			}
			if c.outbox.IsFull() {
				c.mu.Unlock()
				e.closeOverflowing(c)
				c.mu.Lock()
				break
			}
			now := sub.seq.Next()
			c.enqueue(Grain{
				OriginTimestamp: now, SyncTimestamp: now, CreationStamp: now,
				SourceID: state.SourceID, EventType: state.EventType,
				Identity: state.Identity, Value: state.Value,
			})
		}
		c.mu.Unlock()
	}
}

func (e *Engine) closeOverflowing(c *connection) {
	e.log.Warn("events: closing connection on send buffer overflow")
	select {
	case <-c.done:
	default:
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "send buffer overflow"),
			time.Now().Add(time.Second))
		close(c.done)
	}
}

// ConnectionCount returns the number of currently open connections.
func (e *Engine) ConnectionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

type wireGrainT struct {
	OriginTimestamp string          `json:"origin_timestamp"`
	SyncTimestamp   string          `json:"sync_timestamp"`
	CreationStamp   string          `json:"creation_timestamp"`
	Payload         wirePayloadT    `json:"payload"`
}

type wirePayloadT struct {
	Type     wireTypeT       `json:"type"`
	Value    json.RawMessage `json:"value"`
	Identity json.RawMessage `json:"identity,omitempty"`
}

type wireTypeT struct {
	Name string `json:"name"`
}

func wireGrain(g Grain) wireGrainT {
	return wireGrainT{
		OriginTimestamp: g.OriginTimestamp.String(),
		SyncTimestamp:   g.SyncTimestamp.String(),
		CreationStamp:   g.CreationStamp.String(),
		Payload: wirePayloadT{
			Type:     wireTypeT{Name: string(g.EventType)},
			Value:    g.Value,
			Identity: g.Identity,
		},
	}
}
