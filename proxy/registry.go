package proxy

import (
	"sync"
	"time"

	"github.com/isdmx/runbox/detect"
)

// Registration describes one hosted web service reachable through the
// router.
type Registration struct {
	ShortID       string
	ContainerID   string
	ContainerName string
	ServiceType   detect.ServiceType
	InternalPort  int
	ExternalPort  int
	RegisteredAt  time.Time
}

// Registry is the set of currently hosted services, keyed by short id.
// Registrations preserve insertion order so listings and the asset fallback
// are stable.
type Registry struct {
	mu      sync.RWMutex
	byShort map[string]*Registration
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byShort: make(map[string]*Registration)}
}

// Register adds or replaces the service for its short id.
func (r *Registry) Register(reg *Registration) {
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byShort[reg.ShortID]; exists {
		for i, id := range r.order {
			if id == reg.ShortID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.byShort[reg.ShortID] = reg
	r.order = append(r.order, reg.ShortID)
}

// Deregister removes the service for the short id. Unknown ids are a no-op.
func (r *Registry) Deregister(shortID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byShort[shortID]; !exists {
		return
	}
	delete(r.byShort, shortID)
	for i, id := range r.order {
		if id == shortID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Lookup resolves a short id. Nil when not registered.
func (r *Registry) Lookup(shortID string) *Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byShort[shortID]
}

// List returns all registrations in registration order.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Registration, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byShort[id])
	}
	return out
}

// Len reports the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byShort)
}

// AssetTarget picks the service that unprefixed asset requests should reach:
// the most recently registered service of a framework that loads assets from
// absolute paths, or failing that the most recent registration of any type.
func (r *Registry) AssetTarget() *Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		reg := r.byShort[r.order[i]]
		if servesBareAssets(reg.ServiceType) {
			return reg
		}
	}
	if len(r.order) == 0 {
		return nil
	}
	return r.byShort[r.order[len(r.order)-1]]
}

// servesBareAssets reports whether the framework requests assets without the
// proxy prefix.
func servesBareAssets(t detect.ServiceType) bool {
	return t == detect.TypeStreamlit || t == detect.TypeDash
}
