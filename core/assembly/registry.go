package assembly

import (
	"sort"
	"sync"
	"time"

	"github.com/kabili207/camgate/core/transfer"
)

// Entry pairs a key with its Assembly in a registry snapshot.
type Entry struct {
	Key      transfer.Key
	Assembly *Assembly
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Capacity bounds the number of in-flight assemblies. When a new
	// assembly would exceed it, the oldest-created one is evicted.
	// Zero means unbounded.
	Capacity int

	// MaxChunks bounds the chunk count of each assembly. Zero selects
	// DefaultMaxChunks.
	MaxChunks int

	// Now returns the creation time for new assemblies. Defaults to
	// time.Now.
	Now func() time.Time
}

// Registry holds every in-flight Assembly, keyed by transfer.
//
// Map operations are serialized by the registry lock; mutations within one
// Assembly are serialized by that Assembly's own lock, so transfers never
// block one another.
type Registry struct {
	cfg   RegistryConfig
	mu    sync.RWMutex
	items map[transfer.Key]*Assembly
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Capacity < 0 {
		cfg.Capacity = 0
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxChunks
	}
	return &Registry{
		cfg:   cfg,
		items: make(map[transfer.Key]*Assembly),
	}
}

// MaxChunks returns the per-assembly chunk limit.
func (r *Registry) MaxChunks() int {
	return r.cfg.MaxChunks
}

// GetOrCreate returns the Assembly for key, creating it if absent. This is
// the only place assemblies are born. created reports whether a new one was
// made; evicted is non-nil when capacity forced out the oldest assembly.
func (r *Registry) GetOrCreate(key transfer.Key) (a *Assembly, created bool, evicted *Assembly) {
	r.mu.RLock()
	a, ok := r.items[key]
	r.mu.RUnlock()
	if ok {
		return a, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.items[key]; ok {
		return a, false, nil
	}
	if r.cfg.Capacity > 0 && len(r.items) >= r.cfg.Capacity {
		evicted = r.oldest()
		if evicted != nil {
			delete(r.items, evicted.key)
		}
	}
	a = newWithLimit(key, r.cfg.Now(), r.cfg.MaxChunks)
	r.items[key] = a
	return a, true, evicted
}

// oldest returns the oldest-created assembly. Callers must hold mu.
func (r *Registry) oldest() *Assembly {
	var out *Assembly
	for _, a := range r.items {
		if out == nil || a.createdAt.Before(out.createdAt) {
			out = a
		}
	}
	return out
}

// Get returns the Assembly for key, if any.
func (r *Registry) Get(key transfer.Key) (*Assembly, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[key]
	return a, ok
}

// Remove evicts key if it still maps to a. Returns true if it was removed.
// Passing the Assembly guards against removing a newer transfer that reused
// the key, and makes each eviction happen exactly once.
func (r *Registry) Remove(key transfer.Key, a *Assembly) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.items[key]
	if !ok || cur != a {
		return false
	}
	delete(r.items, key)
	return true
}

// Snapshot returns all entries ordered by creation time.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.items))
	for k, a := range r.items {
		out = append(out, Entry{Key: k, Assembly: a})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Assembly.createdAt.Before(out[j].Assembly.createdAt)
	})
	return out
}

// Len returns the number of in-flight assemblies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
