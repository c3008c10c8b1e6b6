// Package forwarder sends local service calls that target mirrored entities
// to the peer that owns them.
package forwarder

import (
	"context"
	"sort"

	"github.com/remote-mirror/pkg/bus"
	"github.com/remote-mirror/pkg/logging"
	"github.com/remote-mirror/pkg/metrics"
	"github.com/remote-mirror/pkg/protocol"
	"github.com/remote-mirror/pkg/router"
	"github.com/remote-mirror/pkg/routing"
	"github.com/remote-mirror/pkg/types"
)

// Requester transmits on the live channel and can tear it down
type Requester interface {
	Send(req protocol.Request, onResult router.ResultHandler) (int64, error)
	Disconnect(reason error)
}

// Records answers which local ids are mirrored
type Records interface {
	Contains(localID string) bool
	Prefix() string
}

// Forwarder consumes local call_service events
type Forwarder struct {
	bus       *bus.Bus
	records   Records
	requester Requester
	metrics   *metrics.Collector

	// Skip excludes services that must not be forwarded (proxied shadow services)
	Skip func(domain, service string) bool
}

// New creates a forwarder
func New(b *bus.Bus, records Records, requester Requester, collector *metrics.Collector) *Forwarder {
	return &Forwarder{bus: b, records: records, requester: requester, metrics: collector}
}

// Run forwards events until ctx is cancelled or the bus closes
func (f *Forwarder) Run(ctx context.Context) {
	sub := f.bus.Subscribe(protocol.EventCallService, bus.WithBuffer(256))
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Out():
			if !ok {
				return
			}
			f.Handle(event)
		}
	}
}

// Handle forwards one call_service event. It reports whether a request was sent.
func (f *Forwarder) Handle(event types.Event) bool {
	if event.Origin == types.OriginRemote {
		// re-fired from the peer; sending it back would loop
		return false
	}

	domain, _ := event.Data["domain"].(string)
	service, _ := event.Data["service"].(string)
	if domain == "" || service == "" {
		return false
	}
	if f.Skip != nil && f.Skip(domain, service) {
		return false
	}

	serviceData, _ := event.Data["service_data"].(map[string]interface{})
	target, _ := event.Data["target"].(map[string]interface{})

	var candidates []string
	candidates = append(candidates, routing.EntityIDs(serviceData["entity_id"])...)
	candidates = append(candidates, routing.EntityIDs(target["entity_id"])...)

	seen := make(map[string]bool)
	var remoteIDs []string
	for _, id := range candidates {
		if !f.records.Contains(id) {
			continue
		}
		remote := routing.StripPrefix(id, f.records.Prefix())
		if !seen[remote] {
			seen[remote] = true
			remoteIDs = append(remoteIDs, remote)
		}
	}
	if len(remoteIDs) == 0 {
		return false
	}
	sort.Strings(remoteIDs)

	data := make(map[string]interface{}, len(serviceData)+1)
	for k, v := range serviceData {
		data[k] = v
	}
	delete(data, "service_call_id")
	data["entity_id"] = remoteIDs

	_, err := f.requester.Send(protocol.CallService(domain, service, data, nil), func(fr *protocol.Frame) {
		if err := fr.Err(); err != nil {
			logging.Warnf("[forwarder] peer rejected %s.%s entity_id=%v: %v", domain, service, remoteIDs, err)
		}
	})
	if err != nil {
		logging.Warnf("[forwarder] send %s.%s failed, disconnecting: %v", domain, service, err)
		f.metrics.RecordForward("failed")
		f.requester.Disconnect(err)
		return false
	}

	logging.Debugf("[forwarder] forwarded %s.%s entity_id=%v", domain, service, remoteIDs)
	f.metrics.RecordForward("forwarded")
	return true
}
