package metrics

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/remote-mirror/pkg/types"
)

// Collector Prometheus metrics collector for one peer endpoint.
// All Record* methods are safe on a nil *Collector.
type Collector struct {
	GetState    func() types.ConnectionState
	GetMirrored func() int
	GetProxied  func() int

	peer string

	// Info metric (always 1)
	clientInfo *prometheus.Desc

	// Connection metrics
	connectionState   *prometheus.Desc
	transitionsTotal  *prometheus.Desc
	connectAttempts   *prometheus.Desc
	heartbeatTimeouts *prometheus.Desc

	// Channel metrics
	framesReceived *prometheus.Desc
	framesDropped  *prometheus.Desc
	requestsSent   *prometheus.Desc

	// Mirror metrics
	mirroredEntities *prometheus.Desc
	mirrorUpdates    *prometheus.Desc

	// Forwarding and proxy metrics
	forwardsTotal       *prometheus.Desc
	proxiedServices     *prometheus.Desc
	proxyCallsTotal     *prometheus.Desc
	proxyLatencySeconds *prometheus.Desc

	// Metrics counters (protected by mutex)
	metricsLock        sync.RWMutex
	transitions        map[string]float64
	attempts           map[string]float64
	heartbeatTimeoutsN float64
	frames             map[string]float64
	dropped            map[string]float64
	requests           map[string]float64
	updates            map[string]float64
	forwards           map[string]float64
	proxyCalls         map[string]float64 // "service:result"
	proxyLatencySum    map[string]float64
	proxyLatencyCount  map[string]float64
}

// NewCollector creates a new metrics collector. peer labels every series.
func NewCollector(peer string) *Collector {
	return &Collector{
		peer: peer,
		clientInfo: prometheus.NewDesc(
			"remote_mirror_client_info",
			"Client process info metric (always 1)",
			[]string{"peer", "node", "pod"},
			nil,
		),
		connectionState: prometheus.NewDesc(
			"remote_mirror_connection_state",
			"Current connection state (1 for the active state, 0 otherwise)",
			[]string{"peer", "state", "node", "pod"},
			nil,
		),
		transitionsTotal: prometheus.NewDesc(
			"remote_mirror_state_transitions_total",
			"Total connection state transitions by target state",
			[]string{"peer", "state", "node", "pod"},
			nil,
		),
		connectAttempts: prometheus.NewDesc(
			"remote_mirror_connect_attempts_total",
			"Total connection attempts by result",
			[]string{"peer", "result", "node", "pod"},
			nil,
		),
		heartbeatTimeouts: prometheus.NewDesc(
			"remote_mirror_heartbeat_timeouts_total",
			"Total heartbeats that expired without a pong",
			[]string{"peer", "node", "pod"},
			nil,
		),
		framesReceived: prometheus.NewDesc(
			"remote_mirror_frames_received_total",
			"Total inbound frames by kind",
			[]string{"peer", "kind", "node", "pod"},
			nil,
		),
		framesDropped: prometheus.NewDesc(
			"remote_mirror_frames_dropped_total",
			"Total inbound frames dropped by reason",
			[]string{"peer", "reason", "node", "pod"},
			nil,
		),
		requestsSent: prometheus.NewDesc(
			"remote_mirror_requests_sent_total",
			"Total outbound requests by type",
			[]string{"peer", "type", "node", "pod"},
			nil,
		),
		mirroredEntities: prometheus.NewDesc(
			"remote_mirror_mirrored_entities",
			"Number of peer entities currently mirrored locally",
			[]string{"peer", "node", "pod"},
			nil,
		),
		mirrorUpdates: prometheus.NewDesc(
			"remote_mirror_mirror_updates_total",
			"Total mirror updates by result (applied, rejected, removed, cleared)",
			[]string{"peer", "result", "node", "pod"},
			nil,
		),
		forwardsTotal: prometheus.NewDesc(
			"remote_mirror_forwarded_commands_total",
			"Total local commands forwarded to the peer by result",
			[]string{"peer", "result", "node", "pod"},
			nil,
		),
		proxiedServices: prometheus.NewDesc(
			"remote_mirror_proxied_services",
			"Number of peer services registered locally",
			[]string{"peer", "node", "pod"},
			nil,
		),
		proxyCallsTotal: prometheus.NewDesc(
			"remote_mirror_proxy_calls_total",
			"Total proxied service calls by service and result",
			[]string{"peer", "service", "result", "node", "pod"},
			nil,
		),
		proxyLatencySeconds: prometheus.NewDesc(
			"remote_mirror_proxy_latency_seconds",
			"Average successful proxied service call latency in seconds",
			[]string{"peer", "service", "node", "pod"},
			nil,
		),
		transitions:       make(map[string]float64),
		attempts:          make(map[string]float64),
		frames:            make(map[string]float64),
		dropped:           make(map[string]float64),
		requests:          make(map[string]float64),
		updates:           make(map[string]float64),
		forwards:          make(map[string]float64),
		proxyCalls:        make(map[string]float64),
		proxyLatencySum:   make(map[string]float64),
		proxyLatencyCount: make(map[string]float64),
	}
}

func (c *Collector) inc(m map[string]float64, key string) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	m[key]++
}

// RecordTransition records a connection state transition
func (c *Collector) RecordTransition(to types.ConnectionState) {
	if c == nil {
		return
	}
	c.inc(c.transitions, to.String())
}

// RecordConnectAttempt records the outcome of one connection attempt
func (c *Collector) RecordConnectAttempt(result string) {
	if c == nil {
		return
	}
	c.inc(c.attempts, result)
}

// RecordHeartbeatTimeout records an expired heartbeat
func (c *Collector) RecordHeartbeatTimeout() {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.heartbeatTimeoutsN++
}

// RecordFrame records an inbound frame by kind
func (c *Collector) RecordFrame(kind string) {
	if c == nil {
		return
	}
	c.inc(c.frames, kind)
}

// RecordDroppedFrame records a dropped inbound frame (low cardinality reason)
func (c *Collector) RecordDroppedFrame(reason string) {
	if c == nil {
		return
	}
	c.inc(c.dropped, reason)
}

// RecordRequest records an outbound request by type
func (c *Collector) RecordRequest(msgType string) {
	if c == nil {
		return
	}
	c.inc(c.requests, msgType)
}

// RecordMirrorUpdate records a mirror operation result
func (c *Collector) RecordMirrorUpdate(result string) {
	if c == nil {
		return
	}
	c.inc(c.updates, result)
}

// RecordForward records a forwarded command result
func (c *Collector) RecordForward(result string) {
	if c == nil {
		return
	}
	c.inc(c.forwards, result)
}

// RecordProxyCall records a proxied service call
func (c *Collector) RecordProxyCall(service string, success bool, duration time.Duration) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	result := "success"
	if !success {
		result = "failed"
	}
	c.proxyCalls[fmt.Sprintf("%s:%s", service, result)]++
	if success {
		c.proxyLatencySum[service] += duration.Seconds()
		c.proxyLatencyCount[service]++
	}
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.clientInfo
	ch <- c.connectionState
	ch <- c.transitionsTotal
	ch <- c.connectAttempts
	ch <- c.heartbeatTimeouts
	ch <- c.framesReceived
	ch <- c.framesDropped
	ch <- c.requestsSent
	ch <- c.mirroredEntities
	ch <- c.mirrorUpdates
	ch <- c.forwardsTotal
	ch <- c.proxiedServices
	ch <- c.proxyCallsTotal
	ch <- c.proxyLatencySeconds
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName, podName := nodeAndPod()

	ch <- prometheus.MustNewConstMetric(
		c.clientInfo,
		prometheus.GaugeValue,
		1,
		c.peer, nodeName, podName,
	)

	if c.GetState != nil {
		current := c.GetState()
		for _, st := range types.AllStates {
			v := 0.0
			if st == current {
				v = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.connectionState,
				prometheus.GaugeValue,
				v,
				c.peer, st.String(), nodeName, podName,
			)
		}
	}

	if c.GetMirrored != nil {
		ch <- prometheus.MustNewConstMetric(
			c.mirroredEntities,
			prometheus.GaugeValue,
			float64(c.GetMirrored()),
			c.peer, nodeName, podName,
		)
	}

	if c.GetProxied != nil {
		ch <- prometheus.MustNewConstMetric(
			c.proxiedServices,
			prometheus.GaugeValue,
			float64(c.GetProxied()),
			c.peer, nodeName, podName,
		)
	}

	// Collect metrics from counters
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	c.collectMap(ch, c.transitionsTotal, c.transitions, nodeName, podName)
	c.collectMap(ch, c.connectAttempts, c.attempts, nodeName, podName)
	c.collectMap(ch, c.framesReceived, c.frames, nodeName, podName)
	c.collectMap(ch, c.framesDropped, c.dropped, nodeName, podName)
	c.collectMap(ch, c.requestsSent, c.requests, nodeName, podName)
	c.collectMap(ch, c.mirrorUpdates, c.updates, nodeName, podName)
	c.collectMap(ch, c.forwardsTotal, c.forwards, nodeName, podName)

	ch <- prometheus.MustNewConstMetric(
		c.heartbeatTimeouts,
		prometheus.CounterValue,
		c.heartbeatTimeoutsN,
		c.peer, nodeName, podName,
	)

	for key, value := range c.proxyCalls {
		idx := strings.LastIndex(key, ":")
		if idx <= 0 {
			continue
		}
		ch <- prometheus.MustNewConstMetric(
			c.proxyCallsTotal,
			prometheus.CounterValue,
			value,
			c.peer, key[:idx], key[idx+1:], nodeName, podName,
		)
	}

	for service, sum := range c.proxyLatencySum {
		if n := c.proxyLatencyCount[service]; n > 0 {
			ch <- prometheus.MustNewConstMetric(
				c.proxyLatencySeconds,
				prometheus.GaugeValue,
				sum/n,
				c.peer, service, nodeName, podName,
			)
		}
	}
}

func (c *Collector) collectMap(ch chan<- prometheus.Metric, desc *prometheus.Desc, m map[string]float64, nodeName, podName string) {
	for label, value := range m {
		ch <- prometheus.MustNewConstMetric(
			desc,
			prometheus.CounterValue,
			value,
			c.peer, label, nodeName, podName,
		)
	}
}

func nodeAndPod() (string, string) {
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = "unknown"
	}

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = os.Getenv("HOSTNAME")
		if podName == "" {
			podName = "unknown"
		}
	}
	return nodeName, podName
}
