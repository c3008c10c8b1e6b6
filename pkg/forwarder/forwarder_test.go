package forwarder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/remote-mirror/pkg/bus"
	"github.com/remote-mirror/pkg/protocol"
	"github.com/remote-mirror/pkg/router"
	"github.com/remote-mirror/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRequester struct {
	mock.Mock
}

func (m *mockRequester) Send(req protocol.Request, onResult router.ResultHandler) (int64, error) {
	args := m.Called(req, onResult)
	return int64(args.Int(0)), args.Error(1)
}

func (m *mockRequester) Disconnect(reason error) {
	m.Called(reason)
}

type records struct {
	prefix string
	ids    map[string]bool
}

func (r records) Contains(id string) bool { return r.ids[strings.ToLower(id)] }
func (r records) Prefix() string          { return r.prefix }

func mirrored(ids ...string) records {
	r := records{prefix: "remote_", ids: make(map[string]bool)}
	for _, id := range ids {
		r.ids[id] = true
	}
	return r
}

func callEvent(domain, service string, data, target map[string]interface{}) types.Event {
	ev := types.Event{Type: "call_service", Origin: types.OriginLocal, Data: map[string]interface{}{
		"domain":          domain,
		"service":         service,
		"service_data":    data,
		"service_call_id": "abc",
	}}
	if target != nil {
		ev.Data["target"] = target
	}
	return ev
}

func TestForwardsOnlyMirroredTargets(t *testing.T) {
	req := &mockRequester{}
	req.On("Send", mock.MatchedBy(func(r protocol.Request) bool {
		data := r["service_data"].(map[string]interface{})
		_, hasCallID := data["service_call_id"]
		return r.Type() == protocol.TypeCallService &&
			r["domain"] == "light" && r["service"] == "turn_on" &&
			assert.ObjectsAreEqual([]string{"light.kitchen"}, data["entity_id"]) &&
			data["brightness"] == 120 && !hasCallID
	}), mock.Anything).Return(1, nil).Once()

	f := New(bus.New(), mirrored("light.remote_kitchen"), req, nil)
	sent := f.Handle(callEvent("light", "turn_on", map[string]interface{}{
		"entity_id":       []interface{}{"light.remote_kitchen", "switch.unrelated"},
		"brightness":      120,
		"service_call_id": "leftover",
	}, nil))

	assert.True(t, sent)
	req.AssertExpectations(t)
}

func TestTargetAndCaseInsensitiveMatch(t *testing.T) {
	req := &mockRequester{}
	var got protocol.Request
	req.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		got = args.Get(0).(protocol.Request)
	}).Return(1, nil).Once()

	f := New(bus.New(), mirrored("light.remote_kitchen", "light.remote_hall"), req, nil)
	assert.True(t, f.Handle(callEvent("light", "turn_off",
		map[string]interface{}{"entity_id": "LIGHT.Remote_Kitchen"},
		map[string]interface{}{"entity_id": []interface{}{"light.remote_hall", "light.remote_kitchen"}, "area_id": "upstairs"},
	)))

	require.NotNil(t, got)
	data := got["service_data"].(map[string]interface{})
	assert.Equal(t, []string{"light.hall", "light.kitchen"}, data["entity_id"])
	_, hasTarget := got["target"]
	assert.False(t, hasTarget)
}

func TestIgnoredEvents(t *testing.T) {
	req := &mockRequester{}
	f := New(bus.New(), mirrored("light.remote_kitchen"), req, nil)
	f.Skip = func(domain, service string) bool { return service == "remote_turn_on" }

	remote := callEvent("light", "turn_on", map[string]interface{}{"entity_id": "light.remote_kitchen"}, nil)
	remote.Origin = types.OriginRemote

	assert.False(t, f.Handle(remote))
	assert.False(t, f.Handle(callEvent("light", "turn_on", map[string]interface{}{"entity_id": "switch.unrelated"}, nil)))
	assert.False(t, f.Handle(callEvent("light", "turn_on", nil, nil)))
	assert.False(t, f.Handle(callEvent("light", "remote_turn_on", map[string]interface{}{"entity_id": "light.remote_kitchen"}, nil)))
	assert.False(t, f.Handle(types.Event{Type: "call_service", Data: map[string]interface{}{}}))
	req.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestSendFailureDisconnects(t *testing.T) {
	sendErr := errors.New("write: broken pipe")
	req := &mockRequester{}
	req.On("Send", mock.Anything, mock.Anything).Return(0, sendErr).Once()
	req.On("Disconnect", sendErr).Once()

	f := New(bus.New(), mirrored("switch.remote_pump"), req, nil)
	assert.False(t, f.Handle(callEvent("switch", "toggle", map[string]interface{}{"entity_id": "switch.remote_pump"}, nil)))
	req.AssertExpectations(t)
}

func TestRunConsumesBus(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var mu sync.Mutex
	var forwarded []protocol.Request
	req := &mockRequester{}
	req.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		forwarded = append(forwarded, args.Get(0).(protocol.Request))
	}).Return(1, nil)

	f := New(b, mirrored("light.remote_kitchen"), req, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx)
	}()

	// wait for the subscription before firing
	require.Eventually(t, func() bool {
		b.Fire(callEvent("light", "turn_on", map[string]interface{}{"entity_id": "light.remote_kitchen"}, nil))
		mu.Lock()
		defer mu.Unlock()
		return len(forwarded) > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
