// Package flags provides the layered feature-flag registry. A flag's
// effective value is resolved by precedence: an explicit local override
// always beats a server-advertised value, which beats the built-in
// default — regardless of the order the layers were populated in.
package flags

import (
	"sort"
	"sync"
)

// Source identifies which layer resolved a flag's value.
type Source string

const (
	SourceLocal   Source = "local"
	SourceServer  Source = "server"
	SourceDefault Source = "default"
)

// Flag is a named boolean toggle with its resolved value and the layer
// that supplied it.
type Flag struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Source  Source `json:"source"`
}

// Registry holds the three flag layers. The default and server layers
// are replaced wholesale during feature initialization; the local layer
// accumulates explicit overrides set by the caller at any time.
type Registry struct {
	mu       sync.RWMutex
	defaults map[string]bool
	server   map[string]bool
	local    map[string]bool
}

// NewRegistry creates an empty flag registry.
func NewRegistry() *Registry {
	return &Registry{
		defaults: make(map[string]bool),
		server:   make(map[string]bool),
		local:    make(map[string]bool),
	}
}

// SetDefaults replaces the default layer.
func (r *Registry) SetDefaults(values map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = copyLayer(values)
}

// SetServer replaces the server-advertised layer. Called when
// capabilities are (re-)discovered.
func (r *Registry) SetServer(values map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.server = copyLayer(values)
}

// Set records an explicit local override for the named flag. Local
// overrides win over every other layer.
func (r *Registry) Set(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[name] = enabled
}

// Get resolves the named flag. ok is false if no layer knows the name.
func (r *Registry) Get(name string) (Flag, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(name)
}

// Enabled returns the resolved value, or false for an unknown flag.
func (r *Registry) Enabled(name string) bool {
	f, _ := r.Get(name)
	return f.Enabled
}

// All returns the merged view of every known flag, sorted by name.
// Local explicit entries take priority on any name collision.
func (r *Registry) All() []Flag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make(map[string]struct{})
	for n := range r.defaults {
		names[n] = struct{}{}
	}
	for n := range r.server {
		names[n] = struct{}{}
	}
	for n := range r.local {
		names[n] = struct{}{}
	}

	out := make([]Flag, 0, len(names))
	for n := range names {
		f, _ := r.resolve(n)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// resolve applies the precedence order. Caller holds at least a read lock.
func (r *Registry) resolve(name string) (Flag, bool) {
	if v, ok := r.local[name]; ok {
		return Flag{Name: name, Enabled: v, Source: SourceLocal}, true
	}
	if v, ok := r.server[name]; ok {
		return Flag{Name: name, Enabled: v, Source: SourceServer}, true
	}
	if v, ok := r.defaults[name]; ok {
		return Flag{Name: name, Enabled: v, Source: SourceDefault}, true
	}
	return Flag{Name: name}, false
}

func copyLayer(values map[string]bool) map[string]bool {
	out := make(map[string]bool, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
