package tunnel

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// Registry tracks active tunnels by connection identifier. One mutex guards
// every operation, so insert, remove and snapshot are atomic with respect to
// each other.
type Registry struct {
	mu      sync.Mutex
	tunnels map[string]*Tunnel
	log     *slog.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tunnels: make(map[string]*Tunnel),
		log:     logger,
	}
}

// Add registers t under its ID. A different tunnel already registered under
// the same ID is closed before it is replaced.
func (r *Registry) Add(t *Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.tunnels[t.ID()]; ok && old != t {
		if err := old.Close(); err != nil {
			r.log.Debug("close replaced tunnel", "tunnel", old.ID(), "error", err)
		}
		r.log.Debug("tunnel replaced", "tunnel", t.ID())
	}
	r.tunnels[t.ID()] = t
}

// Remove unregisters and closes the tunnel with the given ID. It reports
// whether a tunnel was registered; removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[id]
	if !ok {
		return false
	}
	delete(r.tunnels, id)
	if err := t.Close(); err != nil {
		r.log.Debug("close tunnel", "tunnel", id, "error", err)
	}
	return true
}

// RemoveTunnel unregisters and closes t, but only while t is the tunnel
// registered under its ID. A tunnel that has already been replaced is closed
// without touching its replacement.
func (r *Registry) RemoveTunnel(t *Tunnel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	if cur, ok := r.tunnels[t.ID()]; ok && cur == t {
		delete(r.tunnels, t.ID())
		removed = true
	}
	if err := t.Close(); err != nil {
		r.log.Debug("close tunnel", "tunnel", t.ID(), "error", err)
	}
	return removed
}

// Exists reports whether a tunnel is registered under id.
func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tunnels[id]
	return ok
}

// Count returns the number of registered tunnels.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}

// Metadata returns a snapshot of every registered tunnel, oldest first. The
// snapshot holds no connection handles and is safe to hand to the console.
func (r *Registry) Metadata() []Metadata {
	r.mu.Lock()
	out := make([]Metadata, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t.Metadata())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Full returns a copy of the registry map, live tunnels included. It is meant
// for internal use only.
func (r *Registry) Full() map[string]*Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Tunnel, len(r.tunnels))
	for id, t := range r.tunnels {
		out[id] = t
	}
	return out
}

// CloseAll closes and unregisters every tunnel. Used on shutdown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, t := range r.tunnels {
		delete(r.tunnels, id)
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
