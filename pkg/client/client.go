// Package client wires the mirror, forwarder and service proxy of one peer
// endpoint onto a supervised connection and the local host surface.
package client

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/remote-mirror/pkg/config"
	"github.com/remote-mirror/pkg/connection"
	"github.com/remote-mirror/pkg/discovery"
	"github.com/remote-mirror/pkg/forwarder"
	"github.com/remote-mirror/pkg/logging"
	"github.com/remote-mirror/pkg/metrics"
	"github.com/remote-mirror/pkg/mirror"
	"github.com/remote-mirror/pkg/protocol"
	"github.com/remote-mirror/pkg/proxy"
	"github.com/remote-mirror/pkg/router"
	"github.com/remote-mirror/pkg/server"
	"github.com/remote-mirror/pkg/types"
	"go.uber.org/multierr"
)

// Option customizes a Client
type Option func(*connection.Options)

// WithClock drives heartbeat and reconnect timing from clk
func WithClock(clk clock.Clock) Option {
	return func(o *connection.Options) { o.Clock = clk }
}

// Client is one configured peer endpoint
type Client struct {
	cfg        *config.Config
	server     *server.Server
	metrics    *metrics.Collector
	mirror     *mirror.Mirror
	proxy      *proxy.Registrar
	forwarder  *forwarder.Forwarder
	supervisor *connection.Supervisor
}

// New builds the client on top of srv. The configuration is treated as an
// immutable snapshot; a reload builds a new Client.
func New(cfg *config.Config, srv *server.Server, opts ...Option) *Client {
	rc := cfg.Remote
	endpoint := discovery.Endpoint{
		Host:        rc.Host,
		Port:        rc.Port,
		Secure:      rc.Secure,
		VerifySSL:   rc.VerifySSL,
		AccessToken: rc.AccessToken,
	}

	peer := rc.UniqueID
	if peer == "" {
		peer = endpoint.BaseURL()
	}
	collector := metrics.NewCollector(peer)

	c := &Client{cfg: cfg, server: srv, metrics: collector}
	c.mirror = mirror.New(srv, rc, collector)
	c.proxy = proxy.New(srv, rc.ServicePrefix, rc.Services, cfg.GetServiceCallTimeout(), collector)

	connOpts := connection.Options{
		Endpoint:          endpoint,
		UniqueID:          rc.UniqueID,
		ReconnectInterval: cfg.GetReconnectInterval(),
		HeartbeatInterval: cfg.GetHeartbeatInterval(),
		HeartbeatTimeout:  cfg.GetHeartbeatTimeout(),
		HandshakeTimeout:  cfg.GetHandshakeTimeout(),
		ProbeTimeout:      cfg.GetProbeTimeout(),
		MaxMessageSize:    rc.MaxMessageSize,
		Handlers:          c.handlers(),
		Bus:               srv.Bus(),
		Metrics:           collector,
	}
	for _, opt := range opts {
		opt(&connOpts)
	}
	c.supervisor = connection.New(connOpts)
	c.supervisor.OnConnect(c.onConnect)
	c.supervisor.OnDisconnect(c.onDisconnect)

	c.forwarder = forwarder.New(srv.Bus(), c.mirror, c.supervisor, collector)
	c.forwarder.Skip = c.proxy.IsProxied

	collector.GetState = c.supervisor.State
	collector.GetMirrored = c.mirror.Len
	collector.GetProxied = c.proxy.Len
	srv.GetStatus = c.supervisor.Status
	srv.Describe = proxy.Description
	return c
}

// handlers is the static dispatch table for pushed events
func (c *Client) handlers() router.Handlers {
	serviceChanged := func(event types.Event) {
		c.proxy.HandleServiceEvent(event)
		c.refire(event)
	}
	return router.Handlers{
		Events: map[string]router.EventHandler{
			protocol.EventStateChanged:      c.mirror.HandleStateChanged,
			protocol.EventServiceRegistered: serviceChanged,
			protocol.EventServiceRemoved:    serviceChanged,
		},
		Fallback: c.refire,
	}
}

// refire publishes a peer event on the local bus, marked as remote so the
// forwarder never sends it back.
func (c *Client) refire(event types.Event) {
	event.Origin = types.OriginRemote
	logging.Debugf("[client] re-firing remote event type=%s", event.Type)
	c.server.Bus().Fire(event)
}

func (c *Client) onConnect(ctx context.Context) error {
	err := c.mirror.Bootstrap(c.supervisor)
	if loadErr := c.proxy.Load(ctx, c.supervisor); loadErr != nil && ctx.Err() == nil {
		err = multierr.Append(err, loadErr)
	}
	return err
}

func (c *Client) onDisconnect() {
	removed := c.mirror.Clear()
	if err := c.proxy.Unload(); err != nil {
		logging.Warnf("[client] unloading proxied services: %v", err)
	}
	logging.Logf("[client] peer=%s disconnected, removed %d mirrored entities", c.supervisor.Key(), removed)
}

// Metrics returns the collector labelled with this peer
func (c *Client) Metrics() *metrics.Collector {
	return c.metrics
}

// Supervisor returns the connection supervisor
func (c *Client) Supervisor() *connection.Supervisor {
	return c.supervisor
}

// Mirror returns the state mirror
func (c *Client) Mirror() *mirror.Mirror {
	return c.mirror
}

// Proxy returns the service proxy registrar
func (c *Client) Proxy() *proxy.Registrar {
	return c.proxy
}

// Run connects and serves until ctx is cancelled, then tears everything down
func (c *Client) Run(ctx context.Context) error {
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		c.forwarder.Run(fctx)
	}()

	if err := c.supervisor.Start(ctx); err != nil {
		return err
	}
	logging.Logf("[client] peer=%s started host=%s port=%d secure=%v", c.supervisor.Key(), c.cfg.Remote.Host, c.cfg.Remote.Port, c.cfg.Remote.Secure)

	<-ctx.Done()
	c.supervisor.Stop()
	cancel()
	<-forwarded
	return nil
}
