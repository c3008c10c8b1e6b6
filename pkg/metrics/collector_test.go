package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/remote-mirror/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounters(t *testing.T) {
	t.Setenv("NODE_NAME", "n1")
	t.Setenv("POD_NAME", "p1")

	c := NewCollector("peer1")
	c.RecordForward("forwarded")
	c.RecordForward("forwarded")
	c.RecordForward("failed")
	c.RecordHeartbeatTimeout()

	expected := `
# HELP remote_mirror_forwarded_commands_total Total local commands forwarded to the peer by result
# TYPE remote_mirror_forwarded_commands_total counter
remote_mirror_forwarded_commands_total{node="n1",peer="peer1",pod="p1",result="failed"} 1
remote_mirror_forwarded_commands_total{node="n1",peer="peer1",pod="p1",result="forwarded"} 2
# HELP remote_mirror_heartbeat_timeouts_total Total heartbeats that expired without a pong
# TYPE remote_mirror_heartbeat_timeouts_total counter
remote_mirror_heartbeat_timeouts_total{node="n1",peer="peer1",pod="p1"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"remote_mirror_forwarded_commands_total", "remote_mirror_heartbeat_timeouts_total"))
}

func TestCollectorSources(t *testing.T) {
	c := NewCollector("peer1")
	c.GetState = func() types.ConnectionState { return types.StateConnected }
	c.GetMirrored = func() int { return 3 }

	assert.Equal(t, len(types.AllStates), testutil.CollectAndCount(c, "remote_mirror_connection_state"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "remote_mirror_mirrored_entities"))
	assert.Equal(t, 0, testutil.CollectAndCount(c, "remote_mirror_proxied_services"))
}

func TestCollectorProxyCalls(t *testing.T) {
	c := NewCollector("peer1")
	c.RecordProxyCall("light.remote_turn_on", true, 200*time.Millisecond)
	c.RecordProxyCall("light.remote_turn_on", true, 400*time.Millisecond)
	c.RecordProxyCall("light.remote_turn_on", false, time.Second)

	assert.Equal(t, 2, testutil.CollectAndCount(c, "remote_mirror_proxy_calls_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "remote_mirror_proxy_latency_seconds"))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTransition(types.StateConnected)
		c.RecordConnectAttempt("ok")
		c.RecordHeartbeatTimeout()
		c.RecordFrame("event")
		c.RecordDroppedFrame("malformed")
		c.RecordRequest("ping")
		c.RecordMirrorUpdate("applied")
		c.RecordForward("forwarded")
		c.RecordProxyCall("x.y", true, time.Second)
	})
}
