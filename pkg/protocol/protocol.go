// Package protocol defines the JSON frames exchanged with the peer over the
// websocket API.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	rmerrors "github.com/remote-mirror/pkg/errors"
	"github.com/remote-mirror/pkg/types"
)

const (
	TypeAuthRequired    = "auth_required"
	TypeAuth            = "auth"
	TypeAuthOK          = "auth_ok"
	TypeAuthInvalid     = "auth_invalid"
	TypeResult          = "result"
	TypeEvent           = "event"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeSubscribeEvents = "subscribe_events"
	TypeGetStates       = "get_states"
	TypeGetServices     = "get_services"
	TypeCallService     = "call_service"
)

const (
	EventStateChanged      = "state_changed"
	EventCallService       = "call_service"
	EventServiceRegistered = "service_registered"
	EventServiceRemoved    = "service_removed"
)

// Kind is the dispatch class of an inbound frame
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindResult
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindResult:
		return "result"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Request is an outgoing frame. The router sets "id" on send.
type Request map[string]interface{}

// NewRequest creates a request of the given type
func NewRequest(msgType string) Request {
	return Request{"type": msgType}
}

// Type returns the request type
func (r Request) Type() string {
	t, _ := r["type"].(string)
	return t
}

// With sets a field and returns the request for chaining. Nil values are skipped.
func (r Request) With(key string, value interface{}) Request {
	if value == nil {
		return r
	}
	switch v := value.(type) {
	case map[string]interface{}:
		if v == nil {
			return r
		}
	case []string:
		if v == nil {
			return r
		}
	}
	r[key] = value
	return r
}

// Auth is the credential frame answering auth_required. It carries no id.
func Auth(accessToken string) Request {
	return NewRequest(TypeAuth).With("access_token", accessToken)
}

// Ping is the heartbeat request
func Ping() Request {
	return NewRequest(TypePing)
}

// SubscribeEvents subscribes to one event type
func SubscribeEvents(eventType string) Request {
	return NewRequest(TypeSubscribeEvents).With("event_type", eventType)
}

// GetStates requests every current state
func GetStates() Request {
	return NewRequest(TypeGetStates)
}

// GetServices requests the service catalog
func GetServices() Request {
	return NewRequest(TypeGetServices)
}

// CallService invokes a service on the peer
func CallService(domain, service string, data, target map[string]interface{}) Request {
	return NewRequest(TypeCallService).
		With("domain", domain).
		With("service", service).
		With("service_data", data).
		With("target", target)
}

// ErrorInfo is the error member of a failed result
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Frame is any inbound frame
type Frame struct {
	ID        int64           `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   bool            `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
	Event     *types.Event    `json:"event,omitempty"`
	Message   string          `json:"message,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
}

// Decode parses one websocket text message
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, rmerrors.WrapInvalid(fmt.Errorf("%w: %v", rmerrors.ErrInvalidData, err), "protocol", "Decode", "unmarshal frame")
	}
	if strings.TrimSpace(f.Type) == "" {
		return nil, rmerrors.WrapInvalid(fmt.Errorf("%w: missing type", rmerrors.ErrInvalidData), "protocol", "Decode", "read type")
	}
	return &f, nil
}

// Classify returns how the frame is dispatched. Pong frames carry the ping's
// id and are treated as results.
func Classify(f *Frame) Kind {
	if f == nil {
		return KindUnknown
	}
	switch f.Type {
	case TypeAuthRequired, TypeAuthOK, TypeAuthInvalid:
		return KindAuth
	case TypeResult, TypePong:
		if f.ID == 0 {
			return KindUnknown
		}
		return KindResult
	case TypeEvent:
		if f.Event == nil || f.Event.Type == "" {
			return KindUnknown
		}
		return KindEvent
	default:
		return KindUnknown
	}
}

// Failed reports whether a result frame reports failure. Pong is always a success.
func (f *Frame) Failed() bool {
	return f.Type == TypeResult && !f.Success
}

// Err returns the peer's failure as an error, or nil on success
func (f *Frame) Err() error {
	if !f.Failed() {
		return nil
	}
	if f.Error == nil {
		return &ErrorInfo{Code: "unknown_error", Message: "request failed"}
	}
	return f.Error
}

// DecodeResult unmarshals the result member into v
func (f *Frame) DecodeResult(v interface{}) error {
	if len(f.Result) == 0 || string(f.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(f.Result, v); err != nil {
		return rmerrors.WrapInvalid(fmt.Errorf("%w: %v", rmerrors.ErrInvalidData, err), "protocol", "DecodeResult", "unmarshal result")
	}
	return nil
}

// StateChangedData is the data of a state_changed event
type StateChangedData struct {
	EntityID string       `json:"entity_id"`
	OldState *types.State `json:"old_state"`
	NewState *types.State `json:"new_state"`
}

// ParseStateChanged extracts a state_changed payload from event data
func ParseStateChanged(data map[string]interface{}) (*StateChangedData, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, rmerrors.WrapInvalid(fmt.Errorf("%w: %v", rmerrors.ErrInvalidData, err), "protocol", "ParseStateChanged", "marshal data")
	}
	var sc StateChangedData
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, rmerrors.WrapInvalid(fmt.Errorf("%w: %v", rmerrors.ErrInvalidData, err), "protocol", "ParseStateChanged", "unmarshal data")
	}
	if sc.EntityID == "" && sc.NewState != nil {
		sc.EntityID = sc.NewState.EntityID
	}
	if sc.EntityID == "" {
		return nil, rmerrors.WrapInvalid(fmt.Errorf("%w: missing entity_id", rmerrors.ErrInvalidData), "protocol", "ParseStateChanged", "read entity_id")
	}
	return &sc, nil
}

// Catalog is the get_services result: domain -> service -> description
type Catalog map[string]map[string]types.ServiceDescription
