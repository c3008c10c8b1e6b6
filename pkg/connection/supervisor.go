// Package connection supervises the link to one peer: discovery probe,
// websocket handshake, heartbeat and the reconnect loop.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/remote-mirror/pkg/bus"
	"github.com/remote-mirror/pkg/discovery"
	rmerrors "github.com/remote-mirror/pkg/errors"
	"github.com/remote-mirror/pkg/heartbeat"
	"github.com/remote-mirror/pkg/logging"
	"github.com/remote-mirror/pkg/metrics"
	"github.com/remote-mirror/pkg/protocol"
	"github.com/remote-mirror/pkg/router"
	"github.com/remote-mirror/pkg/types"
)

// Options configures a Supervisor
type Options struct {
	Endpoint discovery.Endpoint
	UniqueID string // expected peer uuid, empty accepts any

	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	ProbeTimeout      time.Duration
	MaxMessageSize    int64

	Handlers router.Handlers
	Bus      *bus.Bus
	Metrics  *metrics.Collector
	Clock    clock.Clock
	Prober   *discovery.Prober
}

// ConnectHook runs once the channel is authenticated. ctx ends with the session.
type ConnectHook func(ctx context.Context) error

// DisconnectHook runs when the supervisor leaves Connected
type DisconnectHook func()

// Supervisor owns the single channel to one peer
type Supervisor struct {
	opts   Options
	key    string
	clock  clock.Clock
	prober *discovery.Prober

	onConnect    []ConnectHook
	onDisconnect []DisconnectHook

	mu       sync.Mutex
	state    types.ConnectionState
	since    time.Time
	peer     *discovery.Info
	lastErr  error
	router   *router.Router
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a supervisor in the Init state
func New(opts Options) *Supervisor {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	prober := opts.Prober
	if prober == nil {
		prober = discovery.NewProber(opts.Endpoint, opts.ProbeTimeout)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	key := opts.UniqueID
	if key == "" {
		key = fmt.Sprintf("%s_%d", opts.Endpoint.Host, opts.Endpoint.Port)
	}
	if opts.Bus != nil {
		opts.Bus.SetStateful(types.StateSignal(key))
	}
	return &Supervisor{
		opts:   opts,
		key:    key,
		clock:  clk,
		prober: prober,
		state:  types.StateInit,
		since:  clk.Now(),
		done:   make(chan struct{}),
	}
}

// Key identifies the peer on the bus
func (s *Supervisor) Key() string {
	return s.key
}

// OnConnect adds a hook run after every successful handshake. Register hooks before Start.
func (s *Supervisor) OnConnect(hook ConnectHook) {
	s.onConnect = append(s.onConnect, hook)
}

// OnDisconnect adds a hook run whenever a connected channel is lost or stopped
func (s *Supervisor) OnDisconnect(hook DisconnectHook) {
	s.onDisconnect = append(s.onDisconnect, hook)
}

// Start launches the supervising loop
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return rmerrors.ErrStopped
	}
	if s.started {
		return rmerrors.ErrAlreadyStarted
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(loopCtx)
	return nil
}

// Stop ends the loop, closes the channel and waits. Safe to call repeatedly.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		started, cancel := s.started, s.cancel
		s.mu.Unlock()

		if started {
			cancel()
			<-s.done
		}
		s.transition(types.StateDisconnected)
		logging.Logf("[connection] peer=%s stopped", s.key)
	})
}

// Done is closed when the loop has exited
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)

	for {
		s.transition(types.StateConnecting)
		err := s.attempt(ctx)
		if ctx.Err() != nil {
			break
		}
		s.setLastError(err)

		if rmerrors.Is(err, rmerrors.ErrAuthInvalid) {
			logging.Errorf("[connection] peer=%s rejected the access token, not retrying", s.key)
			return
		}

		s.transition(types.StateReconnecting)
		logging.Warnf("[connection] peer=%s connection ended: %v, retrying in %v", s.key, err, s.opts.ReconnectInterval)

		timer := s.clock.Timer(s.opts.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}
	s.transition(types.StateDisconnected)
}

// attempt runs one probe, handshake and session. It returns when the
// session ends or any step fails.
func (s *Supervisor) attempt(ctx context.Context) error {
	info, err := s.prober.Probe(ctx, s.opts.Endpoint)
	if err != nil {
		s.opts.Metrics.RecordConnectAttempt("probe_failed")
		return err
	}
	if err := discovery.CheckIdentity(info, s.opts.UniqueID); err != nil {
		s.opts.Metrics.RecordConnectAttempt("identity_mismatch")
		return err
	}
	s.mu.Lock()
	s.peer = info
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.opts.Metrics.RecordConnectAttempt("dial_failed")
		return err
	}

	if err := s.handshake(ctx, conn); err != nil {
		_ = conn.Close()
		if rmerrors.Is(err, rmerrors.ErrAuthInvalid) {
			s.opts.Metrics.RecordConnectAttempt("auth_invalid")
		} else {
			s.opts.Metrics.RecordConnectAttempt("handshake_failed")
		}
		return err
	}
	s.opts.Metrics.RecordConnectAttempt("ok")

	return s.session(ctx, conn)
}

func (s *Supervisor) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.opts.HandshakeTimeout,
		TLSClientConfig:  s.opts.Endpoint.TLSConfig(),
	}
	url := s.opts.Endpoint.WebsocketURL()
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, rmerrors.WrapTransient(fmt.Errorf("%w: %v", rmerrors.ErrCannotConnect, err), "connection", "dial", url)
	}
	if s.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	logging.Debugf("[connection] peer=%s dialed %s", s.key, url)
	return conn, nil
}

// handshake performs the auth exchange before the router takes the channel
func (s *Supervisor) handshake(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	f, err := readFrame(conn)
	if err != nil {
		return err
	}
	if f.Type != protocol.TypeAuthRequired {
		return rmerrors.WrapTransient(fmt.Errorf("%w: %s before auth_required", rmerrors.ErrUnexpectedFrame, f.Type), "connection", "handshake", "await auth_required")
	}
	s.transition(types.StateAuthRequired)

	data, err := json.Marshal(protocol.Auth(s.opts.Endpoint.AccessToken))
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return rmerrors.WrapTransient(fmt.Errorf("%w: %v", rmerrors.ErrConnectionLost, err), "connection", "handshake", "send auth")
	}

	f, err = readFrame(conn)
	if err != nil {
		return err
	}
	switch f.Type {
	case protocol.TypeAuthOK:
		logging.Logf("[connection] peer=%s authenticated version=%s", s.key, f.HAVersion)
		return nil
	case protocol.TypeAuthInvalid:
		s.transition(types.StateAuthInvalid)
		return rmerrors.WrapFatal(fmt.Errorf("%w: %s", rmerrors.ErrAuthInvalid, f.Message), "connection", "handshake", "auth")
	default:
		return rmerrors.WrapTransient(fmt.Errorf("%w: %s during auth", rmerrors.ErrUnexpectedFrame, f.Type), "connection", "handshake", "await auth result")
	}
}

func readFrame(conn *websocket.Conn) (*protocol.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, rmerrors.WrapTransient(fmt.Errorf("%w: %v", rmerrors.ErrConnectionLost, err), "connection", "handshake", "read")
	}
	return protocol.Decode(data)
}

// session runs the connected phase until the channel closes or ctx ends
func (s *Supervisor) session(ctx context.Context, conn *websocket.Conn) error {
	r := router.New(conn, s.opts.Handlers, s.opts.Metrics)
	sessionCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.router = r
	s.mu.Unlock()
	s.transition(types.StateConnected)

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(sessionCtx) }()

	hb := heartbeat.New(heartbeat.Config{
		Clock:    s.clock,
		Interval: s.opts.HeartbeatInterval,
		Timeout:  s.opts.HeartbeatTimeout,
	}, r, s.Disconnect, s.opts.Metrics)
	go hb.Run(sessionCtx)

	for _, hook := range s.onConnect {
		if err := hook(sessionCtx); err != nil {
			logging.Warnf("[connection] peer=%s connect hook failed: %v", s.key, err)
		}
	}

	err := <-runErr
	cancel()

	s.mu.Lock()
	s.router = nil
	reason := s.lastErr
	s.mu.Unlock()
	if reason != nil && !rmerrors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w (%v)", err, reason)
	}
	return err
}

// transition moves along a legal edge, broadcasts the change and runs the
// disconnect hooks when Connected is left.
func (s *Supervisor) transition(to types.ConnectionState) bool {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return false
	}
	if !CanTransition(from, to) {
		s.mu.Unlock()
		logging.Warnf("[connection] peer=%s rejected transition %s -> %s", s.key, from, to)
		return false
	}
	now := s.clock.Now()
	s.state = to
	s.since = now
	if to == types.StateConnected {
		s.lastErr = nil
	}
	s.mu.Unlock()

	logging.Logf("[connection] peer=%s state %s -> %s", s.key, from, to)
	s.opts.Metrics.RecordTransition(to)
	if s.opts.Bus != nil {
		s.opts.Bus.Fire(types.Event{
			Type: types.StateSignal(s.key),
			Data: map[string]interface{}{
				"from":       from.String(),
				"to":         to.String(),
				"changed_at": now,
			},
		})
	}

	if from == types.StateConnected {
		for _, hook := range s.onDisconnect {
			hook()
		}
	}
	return true
}

func (s *Supervisor) setLastError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

// State returns the current connection state
func (s *Supervisor) State() types.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for the local API
func (s *Supervisor) Status() types.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := types.ConnectionStatus{
		Peer:  s.key,
		State: s.state.String(),
		Since: s.since,
	}
	if s.peer != nil {
		st.PeerUUID = s.peer.UUID
		st.Location = s.peer.LocationName
		st.Version = s.peer.Version
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Supervisor) live() (*router.Router, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.router == nil || s.state != types.StateConnected {
		return nil, rmerrors.ErrNotConnected
	}
	return s.router, nil
}

// Send transmits on the live channel
func (s *Supervisor) Send(req protocol.Request, onResult router.ResultHandler) (int64, error) {
	r, err := s.live()
	if err != nil {
		return 0, err
	}
	return r.Send(req, onResult)
}

// Subscribe sends a subscription on the live channel
func (s *Supervisor) Subscribe(req protocol.Request, onResult router.ResultHandler) (int64, error) {
	r, err := s.live()
	if err != nil {
		return 0, err
	}
	return r.Subscribe(req, onResult)
}

// Call sends req on the live channel and waits for its result
func (s *Supervisor) Call(ctx context.Context, req protocol.Request) (*protocol.Frame, error) {
	r, err := s.live()
	if err != nil {
		return nil, err
	}
	return r.Call(ctx, req)
}

// Disconnect closes the live channel without blocking. The loop reconnects.
func (s *Supervisor) Disconnect(reason error) {
	s.mu.Lock()
	r := s.router
	if reason != nil {
		s.lastErr = reason
	}
	s.mu.Unlock()
	if r == nil {
		return
	}
	logging.Warnf("[connection] peer=%s closing channel: %v", s.key, reason)
	go r.Close() //nolint:errcheck
}
