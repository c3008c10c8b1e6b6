package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/remote-mirror/pkg/protocol"
	"github.com/remote-mirror/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRegistry struct {
	mock.Mock

	mu       sync.Mutex
	handlers map[string]types.ServiceHandler
}

func (m *mockRegistry) RegisterService(domain, service string, handler types.ServiceHandler) {
	m.Called(domain, service, handler)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers == nil {
		m.handlers = make(map[string]types.ServiceHandler)
	}
	m.handlers[domain+"."+service] = handler
}

func (m *mockRegistry) RemoveService(domain, service string) error {
	return m.Called(domain, service).Error(0)
}

func (m *mockRegistry) handler(key string) types.ServiceHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[key]
}

// fakeCaller answers get_services from catalog and delegates call_service to onCall
type fakeCaller struct {
	mu      sync.Mutex
	catalog protocol.Catalog
	onCall  func(req protocol.Request) (*protocol.Frame, error)
	calls   []protocol.Request
}

func (c *fakeCaller) Call(ctx context.Context, req protocol.Request) (*protocol.Frame, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	catalog, onCall := c.catalog, c.onCall
	c.mu.Unlock()

	if req.Type() == protocol.TypeGetServices {
		raw, err := json.Marshal(catalog)
		if err != nil {
			return nil, err
		}
		return &protocol.Frame{ID: 1, Type: protocol.TypeResult, Success: true, Result: raw}, nil
	}
	if onCall == nil {
		return &protocol.Frame{ID: 2, Type: protocol.TypeResult, Success: true}, nil
	}
	return onCall(req)
}

func (c *fakeCaller) setCatalog(catalog protocol.Catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalog = catalog
}

func (c *fakeCaller) getServicesCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, req := range c.calls {
		if req.Type() == protocol.TypeGetServices {
			n++
		}
	}
	return n
}

func lightCatalog() protocol.Catalog {
	return protocol.Catalog{
		"light": {
			"turn_on":  {Name: "Turn on", Description: "Turn a light on"},
			"turn_off": {Name: "Turn off"},
		},
		"switch": {"toggle": {Name: "Toggle"}},
	}
}

func TestLoadRegistersSelectedServices(t *testing.T) {
	reg := &mockRegistry{}
	reg.On("RegisterService", "light", "remote_turn_on", mock.Anything).Once()
	reg.On("RegisterService", "switch", "remote_toggle", mock.Anything).Once()

	r := New(reg, "remote_", []string{"light.turn_on", "switch.toggle", "cover.open_cover", "bogus"}, time.Second, nil)
	require.NoError(t, r.Load(context.Background(), &fakeCaller{catalog: lightCatalog()}))

	reg.AssertExpectations(t)
	assert.Equal(t, 2, r.Len())
	assert.True(t, r.IsProxied("LIGHT", "Remote_Turn_On"))
	assert.False(t, r.IsProxied("light", "turn_off"))
	assert.Equal(t, []Registration{
		{Domain: "light", LocalName: "remote_turn_on", RemoteName: "turn_on"},
		{Domain: "switch", LocalName: "remote_toggle", RemoteName: "toggle"},
	}, r.Registrations())

	desc, ok := Description("light", "remote_turn_on")
	require.True(t, ok)
	assert.Equal(t, "Turn a light on", desc.Description)
}

func TestMixedCasePrefixIsLowercased(t *testing.T) {
	reg := &mockRegistry{}
	reg.On("RegisterService", "light", "remote_turn_on", mock.Anything).Once()

	r := New(reg, "Remote_", []string{"light.turn_on"}, time.Second, nil)
	require.NoError(t, r.Load(context.Background(), &fakeCaller{catalog: lightCatalog()}))

	reg.AssertExpectations(t)
	assert.True(t, r.IsProxied("light", "remote_turn_on"))
	assert.True(t, r.IsProxied("light", "Remote_turn_on"))
	assert.Equal(t, []Registration{{Domain: "light", LocalName: "remote_turn_on", RemoteName: "turn_on"}}, r.Registrations())
}

func TestLoadWithoutSelectedServicesSkipsCatalog(t *testing.T) {
	caller := &fakeCaller{catalog: lightCatalog()}
	r := New(&mockRegistry{}, "remote_", nil, time.Second, nil)
	require.NoError(t, r.Load(context.Background(), caller))
	assert.Equal(t, 0, caller.getServicesCalls())
}

func TestLoadAfterSessionEndRegistersNothing(t *testing.T) {
	reg := &mockRegistry{}
	r := New(reg, "remote_", []string{"light.turn_on"}, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Load(ctx, &fakeCaller{catalog: lightCatalog()})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.Len())
	reg.AssertNotCalled(t, "RegisterService", mock.Anything, mock.Anything, mock.Anything)
}

func TestReloadRemovesStaleServices(t *testing.T) {
	reg := &mockRegistry{}
	reg.On("RegisterService", mock.Anything, mock.Anything, mock.Anything)
	reg.On("RemoveService", "switch", "remote_toggle").Return(nil).Once()

	caller := &fakeCaller{catalog: lightCatalog()}
	r := New(reg, "remote_", []string{"light.turn_on", "switch.toggle"}, time.Second, nil)
	require.NoError(t, r.Load(context.Background(), caller))

	caller.setCatalog(protocol.Catalog{"light": {"turn_on": {}}})
	require.NoError(t, r.Load(context.Background(), caller))

	reg.AssertExpectations(t)
	reg.AssertNumberOfCalls(t, "RegisterService", 2)
	assert.Equal(t, 1, r.Len())
	_, ok := Description("switch", "remote_toggle")
	assert.False(t, ok)
}

func TestHandlerForwardsCall(t *testing.T) {
	reg := &mockRegistry{}
	reg.On("RegisterService", mock.Anything, mock.Anything, mock.Anything)

	var got protocol.Request
	caller := &fakeCaller{catalog: lightCatalog(), onCall: func(req protocol.Request) (*protocol.Frame, error) {
		got = req
		return &protocol.Frame{ID: 2, Type: protocol.TypeResult, Success: true}, nil
	}}
	r := New(reg, "remote_", []string{"light.turn_on"}, time.Second, nil)
	require.NoError(t, r.Load(context.Background(), caller))

	h := reg.handler("light.remote_turn_on")
	require.NotNil(t, h)
	err := h(context.Background(), types.ServiceCall{
		Domain:  "light",
		Service: "remote_turn_on",
		Data:    map[string]interface{}{"brightness": 50},
		Target:  map[string]interface{}{"entity_id": "light.porch"},
	})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, protocol.TypeCallService, got.Type())
	assert.Equal(t, "light", got["domain"])
	assert.Equal(t, "turn_on", got["service"])
	assert.Equal(t, map[string]interface{}{"brightness": 50}, got["service_data"])
	assert.Equal(t, map[string]interface{}{"entity_id": "light.porch"}, got["target"])
}

func TestHandlerSurfacesPeerError(t *testing.T) {
	reg := &mockRegistry{}
	reg.On("RegisterService", mock.Anything, mock.Anything, mock.Anything)

	caller := &fakeCaller{catalog: lightCatalog(), onCall: func(req protocol.Request) (*protocol.Frame, error) {
		f := &protocol.Frame{ID: 2, Type: protocol.TypeResult, Error: &protocol.ErrorInfo{Code: "not_found", Message: "Entity not found"}}
		return f, f.Err()
	}}
	r := New(reg, "remote_", []string{"light.turn_on"}, time.Second, nil)
	require.NoError(t, r.Load(context.Background(), caller))

	err := reg.handler("light.remote_turn_on")(context.Background(), types.ServiceCall{})
	var svcErr *ServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, "Entity not found", err.Error())
	assert.Equal(t, "not_found", svcErr.Code)
	assert.Equal(t, http.StatusBadRequest, svcErr.HTTPStatus())
}

func TestHandlerTimeout(t *testing.T) {
	reg := &mockRegistry{}
	reg.On("RegisterService", mock.Anything, mock.Anything, mock.Anything)

	caller := &fakeCaller{catalog: lightCatalog(), onCall: func(req protocol.Request) (*protocol.Frame, error) {
		return nil, fmt.Errorf("router: %w", context.DeadlineExceeded)
	}}
	r := New(reg, "remote_", []string{"light.turn_on"}, time.Second, nil)
	require.NoError(t, r.Load(context.Background(), caller))

	err := reg.handler("light.remote_turn_on")(context.Background(), types.ServiceCall{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out")
}

func TestUnloadRemovesEverything(t *testing.T) {
	reg := &mockRegistry{}
	reg.On("RegisterService", mock.Anything, mock.Anything, mock.Anything)
	reg.On("RemoveService", "light", "remote_turn_on").Return(nil).Once()
	reg.On("RemoveService", "switch", "remote_toggle").Return(errors.New("already gone")).Once()

	r := New(reg, "remote_", []string{"light.turn_on", "switch.toggle"}, time.Second, nil)
	require.NoError(t, r.Load(context.Background(), &fakeCaller{catalog: lightCatalog()}))

	err := r.Unload()
	assert.EqualError(t, err, "already gone")
	assert.Equal(t, 0, r.Len())
	reg.AssertExpectations(t)

	_, ok := Description("light", "remote_turn_on")
	assert.False(t, ok)
	assert.NoError(t, r.Unload())
}

func TestServiceEventTriggersReload(t *testing.T) {
	reg := &mockRegistry{}
	reg.On("RegisterService", mock.Anything, mock.Anything, mock.Anything)

	caller := &fakeCaller{catalog: protocol.Catalog{"light": {"turn_off": {}}}}
	r := New(reg, "remote_", []string{"light.turn_on"}, time.Second, nil)
	require.NoError(t, r.Load(context.Background(), caller))
	assert.Equal(t, 0, r.Len())

	// unrelated services are ignored
	r.HandleServiceEvent(types.Event{Type: protocol.EventServiceRegistered, Data: map[string]interface{}{"domain": "light", "service": "turn_off"}})
	assert.Equal(t, 1, caller.getServicesCalls())

	caller.setCatalog(lightCatalog())
	r.HandleServiceEvent(types.Event{Type: protocol.EventServiceRegistered, Data: map[string]interface{}{"domain": "light", "service": "turn_on"}})

	assert.Eventually(t, func() bool { return r.IsProxied("light", "remote_turn_on") }, time.Second, 10*time.Millisecond)
}

func TestServiceEventWithoutSessionIsIgnored(t *testing.T) {
	r := New(&mockRegistry{}, "remote_", []string{"light.turn_on"}, time.Second, nil)
	assert.NotPanics(t, func() {
		r.HandleServiceEvent(types.Event{Type: protocol.EventServiceRemoved, Data: map[string]interface{}{"domain": "light", "service": "turn_on"}})
	})
	assert.Equal(t, 0, r.Len())
}
