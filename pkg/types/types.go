package types

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// ConnectionState is the lifecycle state of the link to one peer
type ConnectionState int

const (
	StateInit ConnectionState = iota
	StateConnecting
	StateAuthRequired
	StateConnected
	StateReconnecting
	StateAuthInvalid
	StateDisconnected
)

// String returns the string representation of ConnectionState
func (s ConnectionState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateAuthRequired:
		return "auth_required"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateAuthInvalid:
		return "auth_invalid"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// AllStates lists every ConnectionState in declaration order
var AllStates = []ConnectionState{
	StateInit, StateConnecting, StateAuthRequired, StateConnected,
	StateReconnecting, StateAuthInvalid, StateDisconnected,
}

// StateSignal is the bus event type on which a peer's connection state is broadcast
func StateSignal(uniqueID string) string {
	return "remote_connection_state_" + uniqueID
}

// StateChange is published on every connection state transition
type StateChange struct {
	From      ConnectionState
	To        ConnectionState
	ChangedAt time.Time
}

// Origin tells where an event was fired
type Origin string

const (
	OriginLocal  Origin = "LOCAL"
	OriginRemote Origin = "REMOTE"
)

// Context identifies the cause of an event or state change
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// Event is a bus event, local or re-fired from the peer
type Event struct {
	Type      string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
	Origin    Origin                 `json:"origin"`
	TimeFired time.Time              `json:"time_fired"`
	Context   Context                `json:"context"`
}

// State is one state record as stored locally or reported by the peer
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
	Context     *Context               `json:"context,omitempty"`
}

// Domain returns the part of the entity id before the first '.'
func (s State) Domain() string {
	domain, _, _ := strings.Cut(s.EntityID, ".")
	return domain
}

// ServiceCall is a local invocation of a (possibly proxied) service
type ServiceCall struct {
	Domain  string                 `json:"domain"`
	Service string                 `json:"service"`
	Data    map[string]interface{} `json:"service_data,omitempty"`
	Target  map[string]interface{} `json:"target,omitempty"`
	Context Context                `json:"context"`
}

// ServiceDescription is the peer's metadata for one service
type ServiceDescription struct {
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Fields      json.RawMessage `json:"fields,omitempty"`
	Target      json.RawMessage `json:"target,omitempty"`
}

// ServiceHandler executes a service call. A returned error is shown to the caller.
type ServiceHandler func(ctx context.Context, call ServiceCall) error

// ConnectionStatus is the externally visible state of the peer link
type ConnectionStatus struct {
	Peer      string    `json:"peer"`
	State     string    `json:"state"`
	Since     time.Time `json:"since"`
	PeerUUID  string    `json:"peer_uuid,omitempty"`
	Location  string    `json:"location_name,omitempty"`
	Version   string    `json:"version,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}
