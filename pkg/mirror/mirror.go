// Package mirror copies filter-accepted peer state records into the local
// store and tracks which local ids it owns.
package mirror

import (
	"sort"
	"strings"
	"sync"

	"github.com/remote-mirror/pkg/config"
	"github.com/remote-mirror/pkg/filter"
	"github.com/remote-mirror/pkg/logging"
	"github.com/remote-mirror/pkg/metrics"
	"github.com/remote-mirror/pkg/protocol"
	"github.com/remote-mirror/pkg/router"
	"github.com/remote-mirror/pkg/routing"
	"github.com/remote-mirror/pkg/types"
)

// Store is the local state store
type Store interface {
	SetState(state types.State)
	RemoveState(entityID string) bool
}

// Requester issues requests on the live channel
type Requester interface {
	Send(req protocol.Request, onResult router.ResultHandler) (int64, error)
	Subscribe(req protocol.Request, onResult router.ResultHandler) (int64, error)
}

// Mirror applies remote updates to the local store
type Mirror struct {
	store     Store
	rules     filter.Rules
	prefix    string
	customize map[string]map[string]interface{}
	events    []string
	metrics   *metrics.Collector

	mu      sync.Mutex
	records map[string]string // lowercased local id -> local id
}

// New creates a mirror for one endpoint
func New(store Store, rc config.RemoteConfig, collector *metrics.Collector) *Mirror {
	customize := make(map[string]map[string]interface{}, len(rc.Customize))
	for id, attrs := range rc.Customize {
		customize[strings.ToLower(id)] = attrs
	}
	return &Mirror{
		store:     store,
		rules:     filter.FromConfig(rc),
		prefix:    rc.EntityPrefix,
		customize: customize,
		events:    SubscribedEvents(rc.SubscribeEvents),
		metrics:   collector,
		records:   make(map[string]string),
	}
}

// SubscribedEvents returns the configured event types plus state_changed, deduplicated
func SubscribedEvents(configured []string) []string {
	seen := map[string]bool{protocol.EventStateChanged: true}
	out := []string{protocol.EventStateChanged}
	for _, e := range configured {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// Bootstrap subscribes to the event types and requests every current state.
// Results are applied from the receive loop as they arrive.
func (m *Mirror) Bootstrap(req Requester) error {
	for _, eventType := range m.events {
		eventType := eventType
		if _, err := req.Subscribe(protocol.SubscribeEvents(eventType), func(f *protocol.Frame) {
			if err := f.Err(); err != nil {
				logging.Warnf("[mirror] subscribe event_type=%s failed: %v", eventType, err)
			}
		}); err != nil {
			return err
		}
	}

	_, err := req.Send(protocol.GetStates(), func(f *protocol.Frame) {
		if err := f.Err(); err != nil {
			logging.Warnf("[mirror] get_states failed: %v", err)
			return
		}
		var states []types.State
		if err := f.DecodeResult(&states); err != nil {
			logging.Warnf("[mirror] get_states result dropped: %v", err)
			return
		}
		applied := 0
		for _, st := range states {
			if m.ApplyUpdate(st.EntityID, st.State, st.Attributes) {
				applied++
			}
		}
		logging.Logf("[mirror] bootstrap states=%d mirrored=%d", len(states), applied)
	})
	return err
}

// ApplyUpdate mirrors one remote record. Rejected updates have no side
// effects, so a record mirrored earlier keeps its last accepted value.
func (m *Mirror) ApplyUpdate(remoteID, state string, attrs map[string]interface{}) bool {
	if _, _, ok := routing.SplitEntityID(remoteID); !ok {
		logging.Debugf("[mirror] invalid entity_id=%q", remoteID)
		m.metrics.RecordMirrorUpdate("invalid")
		return false
	}
	if d := m.rules.Decide(remoteID, state, attrs); !d.Accept {
		logging.Debugf("[mirror] skip entity_id=%s reason=%s", remoteID, d.Reason)
		m.metrics.RecordMirrorUpdate("rejected")
		return false
	}

	localID := routing.ApplyPrefix(remoteID, m.prefix)
	key := strings.ToLower(localID)

	merged := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		merged[k] = v
	}
	for k, v := range m.customize[key] {
		merged[k] = v
	}

	m.mu.Lock()
	m.records[key] = localID
	m.mu.Unlock()

	m.store.SetState(types.State{EntityID: localID, State: state, Attributes: merged})
	m.metrics.RecordMirrorUpdate("applied")
	return true
}

// ApplyDeletion removes a mirrored record the peer reported gone. Ids that
// are not mirrored are ignored.
func (m *Mirror) ApplyDeletion(remoteID string) bool {
	key := strings.ToLower(routing.ApplyPrefix(remoteID, m.prefix))

	m.mu.Lock()
	localID, ok := m.records[key]
	delete(m.records, key)
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.store.RemoveState(localID)
	m.metrics.RecordMirrorUpdate("removed")
	return true
}

// HandleStateChanged applies a remote state_changed event
func (m *Mirror) HandleStateChanged(event types.Event) {
	sc, err := protocol.ParseStateChanged(event.Data)
	if err != nil {
		logging.Warnf("[mirror] dropped state_changed: %v", err)
		return
	}
	if sc.NewState == nil {
		m.ApplyDeletion(sc.EntityID)
		return
	}
	m.ApplyUpdate(sc.EntityID, sc.NewState.State, sc.NewState.Attributes)
}

// Clear drops every mirrored record from the local store. The record set is
// swapped out in one step so a new bootstrap starts from an empty set.
func (m *Mirror) Clear() int {
	m.mu.Lock()
	old := m.records
	m.records = make(map[string]string)
	m.mu.Unlock()

	for _, localID := range old {
		m.store.RemoveState(localID)
		m.metrics.RecordMirrorUpdate("cleared")
	}
	if len(old) > 0 {
		logging.Logf("[mirror] cleared records=%d", len(old))
	}
	return len(old)
}

// Contains reports whether a local id is mirrored (case-insensitive)
func (m *Mirror) Contains(localID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[strings.ToLower(localID)]
	return ok
}

// Len returns the number of mirrored records
func (m *Mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// LocalIDs returns the mirrored local ids, sorted
func (m *Mirror) LocalIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for _, id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Prefix returns the local entity prefix
func (m *Mirror) Prefix() string {
	return m.prefix
}
