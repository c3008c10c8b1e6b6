// Package peertest runs an in-process peer that speaks the websocket API and
// serves the discovery endpoint, for tests that need a live channel.
package peertest

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/remote-mirror/pkg/discovery"
	"github.com/remote-mirror/pkg/protocol"
	"github.com/remote-mirror/pkg/types"
)

// DefaultToken is the access token accepted unless Options.Token is set
const DefaultToken = "test-token"

// Options configures a Peer
type Options struct {
	UUID         string
	LocationName string
	Version      string
	Token        string
	States       []types.State
	Catalog      protocol.Catalog

	// DiscoveryStatus overrides the discovery response status when non-zero
	DiscoveryStatus int
	// RejectAuth answers every websocket auth with auth_invalid
	RejectAuth bool
	// OnCall answers call_service requests; nil succeeds with an empty result
	OnCall func(req map[string]interface{}) *protocol.ErrorInfo
}

// Peer is a fake remote instance backed by httptest
type Peer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	opts        Options
	pong        bool
	connections int
	session     *Session
	received    []map[string]interface{}
}

// Session is one accepted websocket connection
type Session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	subscriptions map[string]int64 // event type -> subscribe id
}

// New starts a peer. Call Close when done.
func New(opts Options) *Peer {
	if opts.UUID == "" {
		opts.UUID = "peer-uuid"
	}
	if opts.Version == "" {
		opts.Version = "2024.1.0"
	}
	if opts.Token == "" {
		opts.Token = DefaultToken
	}
	p := &Peer{opts: opts, pong: true}

	mux := http.NewServeMux()
	mux.HandleFunc(discovery.Path, p.handleDiscovery)
	mux.HandleFunc("/api/websocket", p.handleWebsocket)
	p.server = httptest.NewServer(mux)
	return p
}

// Close drops every connection and stops the server
func (p *Peer) Close() {
	p.DropConnection()
	p.server.CloseClientConnections()
	p.server.Close()
}

// Endpoint addresses this peer with its accepted token
func (p *Peer) Endpoint() discovery.Endpoint {
	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(p.server.URL, "http://"))
	port, _ := strconv.Atoi(portStr)
	p.mu.Lock()
	defer p.mu.Unlock()
	return discovery.Endpoint{Host: host, Port: port, AccessToken: p.opts.Token}
}

// SetRespondToPing controls whether ping frames are answered
func (p *Peer) SetRespondToPing(respond bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pong = respond
}

// SetUUID changes the identity reported by discovery
func (p *Peer) SetUUID(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.UUID = uuid
}

// SetCatalog replaces the get_services result
func (p *Peer) SetCatalog(catalog protocol.Catalog) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.Catalog = catalog
}

// Connections returns how many websocket connections were accepted
func (p *Peer) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connections
}

// Received returns the frames of msgType read from clients, in order
func (p *Peer) Received(msgType string) []map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range p.received {
		if f["type"] == msgType {
			out = append(out, f)
		}
	}
	return out
}

// Session returns the live authenticated session, or nil
func (p *Peer) Session() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// DropConnection closes the live session from the peer side
func (p *Peer) DropConnection() {
	if s := p.Session(); s != nil {
		_ = s.conn.Close()
	}
}

func (p *Peer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	opts := p.opts
	p.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+opts.Token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if opts.DiscoveryStatus != 0 && opts.DiscoveryStatus != http.StatusOK {
		w.WriteHeader(opts.DiscoveryStatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(discovery.Info{
		UUID:             opts.UUID,
		LocationName:     opts.LocationName,
		InstallationType: "test",
		Version:          opts.Version,
	})
}

func (p *Peer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	p.mu.Lock()
	p.connections++
	opts := p.opts
	p.mu.Unlock()

	s := &Session{conn: conn, subscriptions: make(map[string]int64)}
	if err := s.write(map[string]interface{}{"type": protocol.TypeAuthRequired, "ha_version": opts.Version}); err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var auth map[string]interface{}
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	p.record(auth)
	if opts.RejectAuth || auth["type"] != protocol.TypeAuth || auth["access_token"] != opts.Token {
		_ = s.write(map[string]interface{}{"type": protocol.TypeAuthInvalid, "message": "Invalid access token or password"})
		return
	}
	if err := s.write(map[string]interface{}{"type": protocol.TypeAuthOK, "ha_version": opts.Version}); err != nil {
		return
	}

	p.mu.Lock()
	p.session = s
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.session == s {
			p.session = nil
		}
		p.mu.Unlock()
	}()

	for {
		var req map[string]interface{}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		p.record(req)
		if err := p.answer(s, req); err != nil {
			return
		}
	}
}

func (p *Peer) record(frame map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, frame)
}

func (p *Peer) answer(s *Session, req map[string]interface{}) error {
	id, _ := req["id"].(float64)
	p.mu.Lock()
	pong, opts := p.pong, p.opts
	p.mu.Unlock()

	switch req["type"] {
	case protocol.TypePing:
		if !pong {
			return nil
		}
		return s.write(map[string]interface{}{"id": id, "type": protocol.TypePong})
	case protocol.TypeSubscribeEvents:
		eventType, _ := req["event_type"].(string)
		s.mu.Lock()
		s.subscriptions[eventType] = int64(id)
		s.mu.Unlock()
		return s.result(id, nil, nil)
	case protocol.TypeGetStates:
		states := opts.States
		if states == nil {
			states = []types.State{}
		}
		return s.result(id, states, nil)
	case protocol.TypeGetServices:
		catalog := opts.Catalog
		if catalog == nil {
			catalog = protocol.Catalog{}
		}
		return s.result(id, catalog, nil)
	case protocol.TypeCallService:
		if opts.OnCall != nil {
			if errInfo := opts.OnCall(req); errInfo != nil {
				return s.result(id, nil, errInfo)
			}
		}
		return s.result(id, map[string]interface{}{"context": map[string]interface{}{"id": "peer-ctx"}}, nil)
	default:
		return s.result(id, nil, &protocol.ErrorInfo{Code: "unknown_command", Message: "Unknown command."})
	}
}

func (s *Session) write(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Session) result(id float64, result interface{}, errInfo *protocol.ErrorInfo) error {
	frame := map[string]interface{}{"id": id, "type": protocol.TypeResult, "success": errInfo == nil, "result": result}
	if errInfo != nil {
		frame["error"] = errInfo
	}
	return s.write(frame)
}

// Subscribed reports whether the client subscribed to eventType
func (s *Session) Subscribed(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[eventType]
	return ok
}

// PushEvent sends an event on the subscription for its type
func (s *Session) PushEvent(eventType string, data map[string]interface{}) error {
	s.mu.Lock()
	id := s.subscriptions[eventType]
	s.mu.Unlock()
	return s.write(map[string]interface{}{
		"id":   id,
		"type": protocol.TypeEvent,
		"event": map[string]interface{}{
			"event_type": eventType,
			"data":       data,
			"origin":     types.OriginLocal,
			"time_fired": time.Now().UTC().Format(time.RFC3339Nano),
			"context":    map[string]interface{}{"id": "peer-event"},
		},
	})
}

// PushState sends a state_changed event. A nil state announces removal.
func (s *Session) PushState(entityID string, state *types.State) error {
	data := map[string]interface{}{"entity_id": entityID, "new_state": nil}
	if state != nil {
		data["new_state"] = state
	}
	return s.PushEvent(protocol.EventStateChanged, data)
}

// WriteRaw sends an arbitrary text frame
func (s *Session) WriteRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
