// Package heartbeat pings the peer while connected and reports a dead
// channel when a pong does not arrive in time.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	rmerrors "github.com/remote-mirror/pkg/errors"
	"github.com/remote-mirror/pkg/logging"
	"github.com/remote-mirror/pkg/metrics"
	"github.com/remote-mirror/pkg/protocol"
	"github.com/remote-mirror/pkg/router"
)

// ErrTimeout is reported when no pong arrives within the timeout
var ErrTimeout = rmerrors.New("no pong before heartbeat timeout")

// Sender transmits a request and correlates its result
type Sender interface {
	Send(req protocol.Request, onResult router.ResultHandler) (int64, error)
}

// Config heartbeat timing
type Config struct {
	Clock    clock.Clock
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor runs one heartbeat loop for one open channel
type Monitor struct {
	clock     clock.Clock
	interval  time.Duration
	timeout   time.Duration
	sender    Sender
	onExpired func(error)
	metrics   *metrics.Collector
}

// New creates a monitor. onExpired is invoked on its own goroutine, at most once.
func New(cfg Config, sender Sender, onExpired func(error), collector *metrics.Collector) *Monitor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		clock:     clk,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		sender:    sender,
		onExpired: onExpired,
		metrics:   collector,
	}
}

// Run blocks until ctx is cancelled or the heartbeat expires
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pong := make(chan struct{}, 1)
		sentAt := m.clock.Now()
		_, err := m.sender.Send(protocol.Ping(), func(*protocol.Frame) {
			select {
			case pong <- struct{}{}:
			default:
			}
		})
		if err != nil {
			m.expire(fmt.Errorf("send ping: %w", err))
			return
		}

		timer := m.clock.Timer(m.timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-pong:
			timer.Stop()
			logging.Debugf("[heartbeat] pong rtt=%v", m.clock.Since(sentAt))
		case <-timer.C:
			m.metrics.RecordHeartbeatTimeout()
			m.expire(fmt.Errorf("%w after %v", ErrTimeout, m.timeout))
			return
		}
	}
}

// expire hands off to a new goroutine so the close never runs inside the
// receive loop that may be delivering results to this monitor.
func (m *Monitor) expire(err error) {
	logging.Warnf("[heartbeat] expired: %v", err)
	if m.onExpired != nil {
		go m.onExpired(err)
	}
}
