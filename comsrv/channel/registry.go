package channel

import (
	"sort"
	"sync"
)

// Registry is the runtime channel map. Lookups are frequent and take the
// read side; reload takes the write side.
type Registry struct {
	mu       sync.RWMutex
	channels map[uint16]*Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[uint16]*Channel)}
}

// Get returns the channel handle for id.
func (r *Registry) Get(id uint16) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	return c, ok
}

// Put installs or replaces a channel handle.
func (r *Registry) Put(c *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.cfg.ID] = c
}

// Remove deletes a channel handle, returning it for teardown.
func (r *Registry) Remove(id uint16) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	return c, ok
}

// IDs returns the registered channel ids, sorted.
func (r *Registry) IDs() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint16, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// All returns the channel handles, ordered by id.
func (r *Registry) All() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.ID < out[j].cfg.ID })
	return out
}

// Len reports the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
