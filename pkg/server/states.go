package server

import (
	"sort"
	"strings"
	"time"

	"github.com/remote-mirror/pkg/types"
)

// SetState upserts a state record and fires state_changed on the local bus
func (s *Server) SetState(state types.State) {
	key := strings.ToLower(state.EntityID)
	now := time.Now().UTC()

	s.publishLock.Lock()
	defer s.publishLock.Unlock()

	s.statesLock.Lock()
	old, existed := s.states[key]
	if state.LastUpdated.IsZero() {
		state.LastUpdated = now
	}
	if state.LastChanged.IsZero() {
		if existed && old.State == state.State {
			state.LastChanged = old.LastChanged
		} else {
			state.LastChanged = state.LastUpdated
		}
	}
	s.states[key] = state
	s.statesLock.Unlock()

	data := map[string]interface{}{"entity_id": state.EntityID, "new_state": &state}
	if existed {
		data["old_state"] = &old
	} else {
		data["old_state"] = nil
	}
	s.fire(types.Event{Type: "state_changed", Data: data})
}

// RemoveState deletes a state record. It reports whether the record existed.
func (s *Server) RemoveState(entityID string) bool {
	key := strings.ToLower(entityID)

	s.publishLock.Lock()
	defer s.publishLock.Unlock()

	s.statesLock.Lock()
	old, existed := s.states[key]
	delete(s.states, key)
	s.statesLock.Unlock()

	if existed {
		s.fire(types.Event{Type: "state_changed", Data: map[string]interface{}{
			"entity_id": old.EntityID,
			"old_state": &old,
			"new_state": nil,
		}})
	}
	return existed
}

// GetState returns one record
func (s *Server) GetState(entityID string) (types.State, bool) {
	s.statesLock.RLock()
	defer s.statesLock.RUnlock()
	st, ok := s.states[strings.ToLower(entityID)]
	return st, ok
}

// States returns every record ordered by entity id
func (s *Server) States() []types.State {
	s.statesLock.RLock()
	out := make([]types.State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	s.statesLock.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func (s *Server) fire(event types.Event) {
	if s.bus != nil {
		s.bus.Fire(event)
	}
}
