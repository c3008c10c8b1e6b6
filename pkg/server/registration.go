package server

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	rmerrors "github.com/remote-mirror/pkg/errors"
	"github.com/remote-mirror/pkg/logging"
	"github.com/remote-mirror/pkg/types"
)

// ErrServiceNotFound is returned when removing a service that is not registered
var ErrServiceNotFound = rmerrors.New("service not found")

func serviceKey(domain, service string) string {
	return strings.ToLower(domain) + "." + strings.ToLower(service)
}

// RegisterService registers (or replaces) a local service handler
func (s *Server) RegisterService(domain, service string, handler types.ServiceHandler) {
	key := serviceKey(domain, service)

	s.servicesLock.Lock()
	_, replaced := s.services[key]
	s.services[key] = &serviceEntry{domain: strings.ToLower(domain), service: strings.ToLower(service), handler: handler}
	s.servicesLock.Unlock()

	if replaced {
		logging.Warnf("[registry] service replaced name=%s", key)
	} else {
		logging.Debugf("[registry] service registered name=%s", key)
	}
	s.fire(types.Event{Type: "service_registered", Data: map[string]interface{}{"domain": domain, "service": service}})
}

// RemoveService unregisters a local service
func (s *Server) RemoveService(domain, service string) error {
	key := serviceKey(domain, service)

	s.servicesLock.Lock()
	_, ok := s.services[key]
	delete(s.services, key)
	s.servicesLock.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, key)
	}
	logging.Debugf("[registry] service removed name=%s", key)
	s.fire(types.Event{Type: "service_removed", Data: map[string]interface{}{"domain": domain, "service": service}})
	return nil
}

// HasService reports whether a handler is registered
func (s *Server) HasService(domain, service string) bool {
	s.servicesLock.RLock()
	defer s.servicesLock.RUnlock()
	_, ok := s.services[serviceKey(domain, service)]
	return ok
}

// Services returns registered service names grouped by domain, sorted
func (s *Server) Services() map[string][]string {
	s.servicesLock.RLock()
	out := make(map[string][]string)
	for _, e := range s.services {
		out[e.domain] = append(out[e.domain], e.service)
	}
	s.servicesLock.RUnlock()

	for domain := range out {
		sort.Strings(out[domain])
	}
	return out
}

// CallService fires call_service on the local bus, then runs the registered
// handler if there is one. Services without a handler are fire-and-forget:
// listeners on the bus (the forwarder) act on the event.
func (s *Server) CallService(ctx context.Context, call types.ServiceCall) error {
	if call.Context.ID == "" {
		call.Context.ID = uuid.NewString()
	}

	data := map[string]interface{}{
		"domain":          call.Domain,
		"service":         call.Service,
		"service_data":    call.Data,
		"service_call_id": uuid.NewString(),
	}
	if len(call.Target) > 0 {
		data["target"] = call.Target
	}
	s.fire(types.Event{Type: "call_service", Data: data, Context: call.Context})

	s.servicesLock.RLock()
	entry := s.services[serviceKey(call.Domain, call.Service)]
	s.servicesLock.RUnlock()
	if entry == nil {
		return nil
	}
	return entry.handler(ctx, call)
}

// LogServicesTable logs every registered service on one line
func (s *Server) LogServicesTable() {
	services := s.Services()
	if len(services) == 0 {
		return
	}

	domains := make([]string, 0, len(services))
	for domain := range services {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	var b strings.Builder
	for _, domain := range domains {
		b.WriteString(fmt.Sprintf(" | %s | %s |", domain, strings.Join(services[domain], ",")))
	}
	logging.Logf("[registry] services instance=%s%s", logging.GetInstanceID(), b.String())
}
