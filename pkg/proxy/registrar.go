// Package proxy exposes selected peer services as local shadow services.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	rmerrors "github.com/remote-mirror/pkg/errors"
	"github.com/remote-mirror/pkg/logging"
	"github.com/remote-mirror/pkg/metrics"
	"github.com/remote-mirror/pkg/protocol"
	"github.com/remote-mirror/pkg/routing"
	"github.com/remote-mirror/pkg/types"
	"go.uber.org/multierr"
)

// Registry is the local service registry shadow services are added to
type Registry interface {
	RegisterService(domain, service string, handler types.ServiceHandler)
	RemoveService(domain, service string) error
}

// Caller sends a request and waits for its result
type Caller interface {
	Call(ctx context.Context, req protocol.Request) (*protocol.Frame, error)
}

// Registration maps a local shadow service to the peer service it calls
type Registration struct {
	Domain     string
	LocalName  string
	RemoteName string
}

func (r Registration) key() string {
	return r.Domain + "." + r.LocalName
}

// ServiceError is a peer-reported service failure
type ServiceError struct {
	Domain  string
	Service string
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	return e.Message
}

// HTTPStatus maps the failure to a client error
func (e *ServiceError) HTTPStatus() int {
	return http.StatusBadRequest
}

// Registrar owns the shadow services of one endpoint
type Registrar struct {
	registry Registry
	prefix   string
	selected map[string]map[string]bool // domain -> remote service
	timeout  time.Duration
	metrics  *metrics.Collector

	mu            sync.Mutex
	registrations map[string]Registration
	session       context.Context
	caller        Caller
}

// New creates a registrar for the configured "domain.service" list. Local
// names are lowercased like the registry keys them.
func New(registry Registry, prefix string, services []string, timeout time.Duration, collector *metrics.Collector) *Registrar {
	selected := make(map[string]map[string]bool)
	for _, s := range services {
		domain, service, ok := routing.SplitService(s)
		if !ok {
			logging.Warnf("[proxy] ignoring malformed service %q", s)
			continue
		}
		domain, service = strings.ToLower(domain), strings.ToLower(service)
		if selected[domain] == nil {
			selected[domain] = make(map[string]bool)
		}
		selected[domain][service] = true
	}
	return &Registrar{
		registry:      registry,
		prefix:        strings.ToLower(prefix),
		selected:      selected,
		timeout:       timeout,
		metrics:       collector,
		registrations: make(map[string]Registration),
	}
}

// Load fetches the peer catalog and registers every selected service the
// peer offers. Calling it again reconciles the registrations with a fresh
// catalog. ctx is the connection session: once it is done, Load registers nothing.
func (r *Registrar) Load(ctx context.Context, caller Caller) error {
	if len(r.selected) == 0 {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	f, err := caller.Call(callCtx, protocol.GetServices())
	if err != nil {
		return rmerrors.Wrap(err, "proxy", "Load", "get_services")
	}
	var catalog protocol.Catalog
	if err := f.DecodeResult(&catalog); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.session = ctx
	r.caller = caller

	wanted := make(map[string]Registration)
	for domain, services := range catalog {
		domain = strings.ToLower(domain)
		for service, desc := range services {
			service = strings.ToLower(service)
			if !r.selected[domain][service] {
				continue
			}
			reg := Registration{Domain: domain, LocalName: r.prefix + service, RemoteName: service}
			wanted[reg.key()] = reg
			storeDescription(reg.Domain, reg.LocalName, desc)
		}
	}

	for key, reg := range r.registrations {
		if _, ok := wanted[key]; ok {
			continue
		}
		if err := r.registry.RemoveService(reg.Domain, reg.LocalName); err != nil {
			logging.Debugf("[proxy] remove %s: %v", key, err)
		}
		evictDescription(reg.Domain, reg.LocalName)
		delete(r.registrations, key)
		logging.Logf("[proxy] unregistered service=%s (gone from peer)", key)
	}

	for key, reg := range wanted {
		if _, ok := r.registrations[key]; ok {
			continue
		}
		r.registry.RegisterService(reg.Domain, reg.LocalName, r.handler(reg, caller))
		r.registrations[key] = reg
		logging.Logf("[proxy] registered service=%s remote=%s.%s", key, reg.Domain, reg.RemoteName)
	}

	for domain, services := range r.selected {
		for service := range services {
			if _, ok := wanted[domain+"."+r.prefix+service]; !ok {
				logging.Warnf("[proxy] peer does not offer %s.%s", domain, service)
			}
		}
	}
	return nil
}

func (r *Registrar) handler(reg Registration, caller Caller) types.ServiceHandler {
	return func(ctx context.Context, call types.ServiceCall) error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		start := time.Now()
		f, err := caller.Call(callCtx, protocol.CallService(reg.Domain, reg.RemoteName, call.Data, call.Target))
		r.metrics.RecordProxyCall(reg.key(), err == nil, time.Since(start))
		if err == nil {
			return nil
		}

		if f != nil && f.Error != nil {
			return &ServiceError{Domain: reg.Domain, Service: reg.RemoteName, Code: f.Error.Code, Message: f.Error.Message}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s.%s timed out after %v: %w", reg.Domain, reg.RemoteName, r.timeout, err)
		}
		return err
	}
}

// Unload removes every shadow service and its cached description
func (r *Registrar) Unload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for key, reg := range r.registrations {
		err = multierr.Append(err, r.registry.RemoveService(reg.Domain, reg.LocalName))
		evictDescription(reg.Domain, reg.LocalName)
		delete(r.registrations, key)
	}
	r.session = nil
	r.caller = nil
	return err
}

// HandleServiceEvent reloads the catalog when the peer registers or removes
// a selected service. The reload runs on its own goroutine since it waits
// for a result from the receive loop delivering this event.
func (r *Registrar) HandleServiceEvent(event types.Event) {
	domain, _ := event.Data["domain"].(string)
	service, _ := event.Data["service"].(string)
	if !r.selected[strings.ToLower(domain)][strings.ToLower(service)] {
		return
	}

	r.mu.Lock()
	session, caller := r.session, r.caller
	r.mu.Unlock()
	if session == nil || caller == nil {
		return
	}

	logging.Logf("[proxy] peer %s %s.%s, reloading catalog", event.Type, domain, service)
	go func() {
		if err := r.Load(session, caller); err != nil {
			logging.Warnf("[proxy] reload failed: %v", err)
		}
	}()
}

// IsProxied reports whether domain.service is a registered shadow service
func (r *Registrar) IsProxied(domain, service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.registrations[strings.ToLower(domain)+"."+strings.ToLower(service)]
	return ok
}

// Registrations returns the current registrations ordered by local name
func (r *Registrar) Registrations() []Registration {
	r.mu.Lock()
	out := make([]Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		out = append(out, reg)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// Len returns the number of registered shadow services
func (r *Registrar) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registrations)
}
