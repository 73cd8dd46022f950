// Package registry tracks the microservices available for new sessions.
// The registry performs no health checking of its own; liveness is inferred
// by the orchestrator from join outcomes and RTC participant events.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/robolinkhq/session-manager/internal/v1/logging"
	"github.com/robolinkhq/session-manager/internal/v1/types"
)

// ErrUnknownService is wrapped by GetByIDs when a required id has no record.
var ErrUnknownService = fmt.Errorf("unknown service")

// Registry maps service id to its registration record.
type Registry struct {
	mu       sync.RWMutex
	services map[types.ServiceIdType]types.MicroserviceInfo
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{services: make(map[types.ServiceIdType]types.MicroserviceInfo)}
}

// Register inserts or replaces a record. On replace the new endpoint and
// metadata supersede and RegisteredAt is reset; sessions that captured an
// older snapshot are unaffected.
func (r *Registry) Register(service types.MicroserviceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logging.Info(context.Background(), "Registering microservice",
		zap.String("serviceId", string(service.ServiceId)),
		zap.String("endpoint", service.Endpoint))
	r.services[service.ServiceId] = service
}

// Get returns the record for a single id.
func (r *Registry) Get(id types.ServiceIdType) (types.MicroserviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	return svc, ok
}

// GetByIDs returns records for each id, in the order requested. Any id
// without a record fails the whole lookup: the caller treats that as
// "required service unavailable".
func (r *Registry) GetByIDs(ids []types.ServiceIdType) ([]types.MicroserviceInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]types.MicroserviceInfo, 0, len(ids))
	for _, id := range ids {
		svc, ok := r.services[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownService, id)
		}
		services = append(services, svc)
	}
	return services, nil
}

// ListAvailable returns all records whose status is not Disconnected,
// ordered by service id for deterministic snapshots.
func (r *Registry) ListAvailable() []types.MicroserviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]types.MicroserviceInfo, 0, len(r.services))
	for _, svc := range r.services {
		if svc.IsAvailable() {
			services = append(services, svc)
		}
	}
	sort.Slice(services, func(i, j int) bool {
		return services[i].ServiceId < services[j].ServiceId
	})
	return services
}

// List returns every record, including disconnected ones.
func (r *Registry) List() []types.MicroserviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]types.MicroserviceInfo, 0, len(r.services))
	for _, svc := range r.services {
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool {
		return services[i].ServiceId < services[j].ServiceId
	})
	return services
}

// MarkStatus advances the registry-side status of a service. Unknown ids are
// ignored: the service may have been unregistered while a session still holds
// its snapshot.
func (r *Registry) MarkStatus(id types.ServiceIdType, status types.ServiceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[id]
	if !ok {
		return
	}
	svc.Status = status
	r.services[id] = svc
}

// Unregister removes a record.
func (r *Registry) Unregister(id types.ServiceIdType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, id)
}

// Count returns the number of registered services.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}
