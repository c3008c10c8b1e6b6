package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/remote-mirror/pkg/bus"
	"github.com/remote-mirror/pkg/types"
)

// Server is the local host surface: the state store mirrored records are
// written to, the service registry proxied services are registered on, and
// the HTTP API exposing both.
type Server struct {
	bus      *bus.Bus
	registry *prometheus.Registry

	// GetStatus reports the peer link status for /api/connection
	GetStatus func() types.ConnectionStatus
	// Describe returns the peer metadata of a proxied service
	Describe func(domain, service string) (types.ServiceDescription, bool)

	states     map[string]types.State // keyed by lowercased entity id
	statesLock sync.RWMutex
	// publishLock orders state_changed events the way the store applied them
	publishLock sync.Mutex

	services     map[string]*serviceEntry // keyed by "domain.service"
	servicesLock sync.RWMutex
}

type serviceEntry struct {
	domain  string
	service string
	handler types.ServiceHandler
}
