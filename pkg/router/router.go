// Package router multiplexes requests, results and pushed events over the
// single websocket channel to the peer.
package router

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	rmerrors "github.com/remote-mirror/pkg/errors"
	"github.com/remote-mirror/pkg/logging"
	"github.com/remote-mirror/pkg/metrics"
	"github.com/remote-mirror/pkg/protocol"
	"github.com/remote-mirror/pkg/types"
)

// Conn is the subset of *websocket.Conn the router uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ResultHandler receives the result (or pong) frame correlated to a request
type ResultHandler func(*protocol.Frame)

// EventHandler receives a pushed event
type EventHandler func(types.Event)

// Handlers is the static event dispatch table, keyed by event type
type Handlers struct {
	Events   map[string]EventHandler
	Fallback EventHandler
}

// Router owns one open channel. It is discarded when the channel closes.
type Router struct {
	conn     Conn
	handlers Handlers
	metrics  *metrics.Collector

	// writeMu orders id allocation with transmission so ids increase on the wire
	writeMu sync.Mutex

	mu            sync.Mutex
	nextID        int64
	pending       map[int64]ResultHandler
	subscriptions map[int64]string
	closed        bool

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a router on an authenticated connection
func New(conn Conn, handlers Handlers, collector *metrics.Collector) *Router {
	return &Router{
		conn:          conn,
		handlers:      handlers,
		metrics:       collector,
		pending:       make(map[int64]ResultHandler),
		subscriptions: make(map[int64]string),
		done:          make(chan struct{}),
	}
}

// Send transmits req with the next id. onResult, when non-nil, is invoked
// once with the correlated result frame.
func (r *Router) Send(req protocol.Request, onResult ResultHandler) (int64, error) {
	return r.send(req, onResult, "")
}

// Subscribe sends a subscribe_events request and routes later events carrying
// its id through the handler table.
func (r *Router) Subscribe(req protocol.Request, onResult ResultHandler) (int64, error) {
	eventType, _ := req["event_type"].(string)
	if eventType == "" {
		eventType = "*"
	}
	return r.send(req, onResult, eventType)
}

func (r *Router) send(req protocol.Request, onResult ResultHandler, subscription string) (int64, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, rmerrors.ErrNotConnected
	}
	r.nextID++
	id := r.nextID
	if onResult != nil {
		r.pending[id] = onResult
	}
	if subscription != "" {
		r.subscriptions[id] = subscription
	}
	r.mu.Unlock()

	frame := make(protocol.Request, len(req)+1)
	for k, v := range req {
		frame[k] = v
	}
	frame["id"] = id

	data, err := json.Marshal(frame)
	if err == nil {
		err = r.conn.WriteMessage(websocket.TextMessage, data)
	}
	if err != nil {
		r.forget(id)
		return 0, rmerrors.WrapTransient(err, "router", "Send", req.Type())
	}

	r.metrics.RecordRequest(req.Type())
	logging.Debugf("[router] sent id=%d type=%s", id, req.Type())
	return id, nil
}

// Call sends req and waits for its result. A failed result is returned as
// the peer's error together with the frame.
func (r *Router) Call(ctx context.Context, req protocol.Request) (*protocol.Frame, error) {
	ch := make(chan *protocol.Frame, 1)
	id, err := r.Send(req, func(f *protocol.Frame) { ch <- f })
	if err != nil {
		return nil, err
	}

	select {
	case f := <-ch:
		return f, f.Err()
	case <-ctx.Done():
		r.forget(id)
		return nil, rmerrors.Wrap(ctx.Err(), "router", "Call", req.Type())
	case <-r.done:
		return nil, rmerrors.WrapTransient(rmerrors.ErrConnectionLost, "router", "Call", req.Type())
	}
}

func (r *Router) forget(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		delete(r.pending, id)
	}
	if r.subscriptions != nil {
		delete(r.subscriptions, id)
	}
}

// Pending returns the number of requests awaiting a result
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Done is closed when the router is closed
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// Run is the receive loop. It returns when the channel fails or ctx ends,
// closing the router either way.
func (r *Router) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Close()
		case <-r.done:
		}
	}()

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			_ = r.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return rmerrors.WrapTransient(rmerrors.ErrConnectionLost, "router", "Run", "read: "+err.Error())
		}
		r.dispatch(data)
	}
}

func (r *Router) dispatch(data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		logging.Warnf("[router] dropped malformed frame: %v", err)
		r.metrics.RecordDroppedFrame("malformed")
		return
	}

	kind := protocol.Classify(f)
	r.metrics.RecordFrame(kind.String())

	switch kind {
	case protocol.KindResult:
		r.mu.Lock()
		handler, ok := r.pending[f.ID]
		if ok {
			delete(r.pending, f.ID)
		}
		r.mu.Unlock()
		if !ok {
			logging.Debugf("[router] no pending request for id=%d type=%s", f.ID, f.Type)
			r.metrics.RecordDroppedFrame("no_pending")
			return
		}
		handler(f)

	case protocol.KindEvent:
		if f.ID != 0 {
			r.mu.Lock()
			_, ok := r.subscriptions[f.ID]
			r.mu.Unlock()
			if !ok {
				logging.Debugf("[router] event for unknown subscription id=%d", f.ID)
				r.metrics.RecordDroppedFrame("unknown_subscription")
				return
			}
		}
		r.dispatchEvent(*f.Event)

	case protocol.KindAuth:
		logging.Debugf("[router] ignoring %s after handshake", f.Type)
		r.metrics.RecordDroppedFrame("late_auth")

	default:
		logging.Warnf("[router] dropped unrecognized frame type=%s id=%d", f.Type, f.ID)
		r.metrics.RecordDroppedFrame("unrecognized")
	}
}

func (r *Router) dispatchEvent(event types.Event) {
	handler := r.handlers.Events[event.Type]
	if handler == nil {
		handler = r.handlers.Fallback
	}
	if handler == nil {
		r.metrics.RecordDroppedFrame("unhandled_event")
		return
	}
	handler(event)
}

// Close closes the channel and discards every pending request and
// subscription without invoking their handlers. Safe to call repeatedly.
func (r *Router) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.pending = nil
		r.subscriptions = nil
		r.mu.Unlock()

		close(r.done)
		err = r.conn.Close()
	})
	return err
}
