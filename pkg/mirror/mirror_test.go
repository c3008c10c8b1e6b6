package mirror

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/remote-mirror/pkg/config"
	"github.com/remote-mirror/pkg/protocol"
	"github.com/remote-mirror/pkg/router"
	"github.com/remote-mirror/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	states map[string]types.State
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]types.State)}
}

func (s *memStore) SetState(st types.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[strings.ToLower(st.EntityID)] = st
}

func (s *memStore) RemoveState(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.states[strings.ToLower(id)]
	delete(s.states, strings.ToLower(id))
	return ok
}

func (s *memStore) get(id string) (types.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok
}

type fakeRequester struct {
	subscribed []string
	sent       []protocol.Request
	handlers   []router.ResultHandler
}

func (r *fakeRequester) Send(req protocol.Request, onResult router.ResultHandler) (int64, error) {
	r.sent = append(r.sent, req)
	r.handlers = append(r.handlers, onResult)
	return int64(len(r.sent)), nil
}

func (r *fakeRequester) Subscribe(req protocol.Request, onResult router.ResultHandler) (int64, error) {
	r.subscribed = append(r.subscribed, req["event_type"].(string))
	return r.Send(req, onResult)
}

func newMirror(rc config.RemoteConfig) (*Mirror, *memStore) {
	store := newMemStore()
	return New(store, rc, nil), store
}

func TestApplyUpdatePrefixesAndRecords(t *testing.T) {
	m, store := newMirror(config.RemoteConfig{
		EntityPrefix: "remote_",
		Include:      config.EntitySet{Domains: []string{"light"}},
		Customize: map[string]map[string]interface{}{
			"light.remote_kitchen": {"friendly_name": "Kitchen (remote)"},
		},
	})

	attrs := map[string]interface{}{"friendly_name": "Kitchen", "brightness": 200}
	assert.True(t, m.ApplyUpdate("light.kitchen", "on", attrs))
	assert.False(t, m.ApplyUpdate("climate.kitchen", "heat", nil))

	st, ok := store.get("light.remote_kitchen")
	require.True(t, ok)
	assert.Equal(t, "on", st.State)
	assert.Equal(t, "Kitchen (remote)", st.Attributes["friendly_name"])
	assert.Equal(t, "Kitchen", attrs["friendly_name"], "caller attributes untouched")

	_, ok = store.get("climate.remote_kitchen")
	assert.False(t, ok)
	assert.True(t, m.Contains("LIGHT.REMOTE_KITCHEN"))
	assert.Equal(t, []string{"light.remote_kitchen"}, m.LocalIDs())
}

func TestRejectedUpdateKeepsMirroredRecord(t *testing.T) {
	above := 5.0
	m, store := newMirror(config.RemoteConfig{
		Filter: []config.FilterRule{{EntityID: "sensor.outdoor_temp", Above: &above}},
	})

	assert.False(t, m.ApplyUpdate("sensor.outdoor_temp", "3", nil))
	assert.Equal(t, 0, m.Len())

	assert.True(t, m.ApplyUpdate("sensor.outdoor_temp", "10", nil))
	assert.False(t, m.ApplyUpdate("sensor.outdoor_temp", "2", nil))

	st, ok := store.get("sensor.outdoor_temp")
	require.True(t, ok)
	assert.Equal(t, "10", st.State)
	assert.True(t, m.Contains("sensor.outdoor_temp"))

	assert.True(t, m.ApplyUpdate("sensor.outdoor_temp", "unavailable", nil))
}

func TestApplyDeletion(t *testing.T) {
	m, store := newMirror(config.RemoteConfig{EntityPrefix: "remote_"})
	m.ApplyUpdate("switch.pump", "on", nil)

	assert.True(t, m.ApplyDeletion("switch.pump"))
	_, ok := store.get("switch.remote_pump")
	assert.False(t, ok)

	assert.False(t, m.ApplyDeletion("switch.pump"))
	assert.False(t, m.ApplyDeletion("switch.pump"))
	assert.False(t, m.ApplyDeletion("switch.never_seen"))

	// a local record with the same id that the mirror does not own is left alone
	store.SetState(types.State{EntityID: "switch.remote_local_only", State: "off"})
	assert.False(t, m.ApplyDeletion("switch.local_only"))
	_, ok = store.get("switch.remote_local_only")
	assert.True(t, ok)
}

func TestClearRemovesEveryMirroredRecord(t *testing.T) {
	m, store := newMirror(config.RemoteConfig{EntityPrefix: "remote_"})
	store.SetState(types.State{EntityID: "light.local", State: "on"})
	for _, id := range []string{"light.a", "sensor.b", "switch.c"} {
		m.ApplyUpdate(id, "x", nil)
	}
	before := m.LocalIDs()
	require.Len(t, before, 3)

	assert.Equal(t, 3, m.Clear())
	for _, id := range before {
		_, ok := store.get(id)
		assert.False(t, ok, id)
	}
	_, ok := store.get("light.local")
	assert.True(t, ok)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.Clear())
}

func TestHandleStateChanged(t *testing.T) {
	m, store := newMirror(config.RemoteConfig{EntityPrefix: "remote_"})

	m.HandleStateChanged(types.Event{Type: "state_changed", Data: map[string]interface{}{
		"entity_id": "sensor.temp",
		"new_state": map[string]interface{}{"entity_id": "sensor.temp", "state": "21", "attributes": map[string]interface{}{}},
	}})
	st, ok := store.get("sensor.remote_temp")
	require.True(t, ok)
	assert.Equal(t, "21", st.State)

	m.HandleStateChanged(types.Event{Type: "state_changed", Data: map[string]interface{}{
		"entity_id": "sensor.temp",
		"new_state": nil,
	}})
	_, ok = store.get("sensor.remote_temp")
	assert.False(t, ok)

	assert.NotPanics(t, func() {
		m.HandleStateChanged(types.Event{Type: "state_changed", Data: map[string]interface{}{"bogus": true}})
	})
}

func TestBootstrap(t *testing.T) {
	m, store := newMirror(config.RemoteConfig{
		EntityPrefix:    "remote_",
		SubscribeEvents: []string{"call_service", "state_changed", "call_service", " "},
	})
	req := &fakeRequester{}
	require.NoError(t, m.Bootstrap(req))

	assert.Equal(t, []string{"state_changed", "call_service"}, req.subscribed)
	require.Len(t, req.sent, 3)
	assert.Equal(t, protocol.TypeGetStates, req.sent[2].Type())

	result, err := json.Marshal([]types.State{
		{EntityID: "light.kitchen", State: "on"},
		{EntityID: "sensor.temp", State: "20"},
	})
	require.NoError(t, err)
	req.handlers[2](&protocol.Frame{ID: 3, Type: protocol.TypeResult, Success: true, Result: result})

	assert.Equal(t, 2, m.Len())
	_, ok := store.get("light.remote_kitchen")
	assert.True(t, ok)

	// failed subscribe results are only logged
	assert.NotPanics(t, func() {
		req.handlers[0](&protocol.Frame{ID: 1, Type: protocol.TypeResult, Success: false})
	})
}

func TestSubscribedEvents(t *testing.T) {
	assert.Equal(t, []string{"state_changed"}, SubscribedEvents(nil))
	assert.Equal(t, []string{"state_changed", "a", "b"}, SubscribedEvents([]string{"a", "b", "a"}))
}
