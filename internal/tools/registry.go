// Package tools maintains the cached catalog of MCP tools discovered
// from the connected server, plus per-tool usage statistics. The
// catalog is refreshed by swapping the entire entry set atomically, so
// readers never observe a mix of old and new entries and never block
// on writers outside the swap itself.
package tools

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metadata describes a callable tool as advertised by the server.
type Metadata struct {
	// Name is the unique registry key.
	Name string `json:"name"`

	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`

	// Schema is the tool's input schema (JSON Schema object).
	Schema map[string]any `json:"inputSchema,omitempty"`

	// Capabilities are free-form capability tags.
	Capabilities []string `json:"capabilities,omitempty"`

	// CompatVersion is the minimum protocol version the tool requires.
	CompatVersion string `json:"compatVersion,omitempty"`

	// Provider identifies the advertising server.
	Provider string `json:"provider,omitempty"`

	// UpdatedAt is when this entry was last written or revalidated.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Registration is a point-in-time snapshot of a catalog entry,
// combining metadata with availability and usage counters.
type Registration struct {
	Metadata
	Available     bool          `json:"available"`
	CallCount     int64         `json:"callCount"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastUsed      time.Time     `json:"lastUsed,omitzero"`
}

// entry is the live catalog record. Stats use atomics so reads never
// contend with usage recording.
type entry struct {
	meta       Metadata
	available  atomic.Bool
	callCount  atomic.Int64
	totalNanos atomic.Int64
	lastUsed   atomic.Int64 // unix nanos, 0 = never
}

func newEntry(meta Metadata, available bool) *entry {
	e := &entry{meta: meta}
	e.available.Store(available)
	return e
}

func (e *entry) snapshot() Registration {
	reg := Registration{
		Metadata:      e.meta,
		Available:     e.available.Load(),
		CallCount:     e.callCount.Load(),
		TotalDuration: time.Duration(e.totalNanos.Load()),
	}
	if ns := e.lastUsed.Load(); ns > 0 {
		reg.LastUsed = time.Unix(0, ns)
	}
	return reg
}

// Registry is the tool catalog. The entry map is held behind an atomic
// pointer: lookups load the current map without locking, and Replace
// publishes a completely new map in one store.
type Registry struct {
	entries atomic.Pointer[map[string]*entry]

	// writeMu serializes Register's copy-on-write against Replace.
	writeMu sync.Mutex

	ttl time.Duration
}

// NewRegistry creates an empty registry. ttl governs when a cached
// entry is considered stale; zero disables staleness entirely.
func NewRegistry(ttl time.Duration) *Registry {
	r := &Registry{ttl: ttl}
	empty := make(map[string]*entry)
	r.entries.Store(&empty)
	return r
}

// Register inserts or replaces a single entry by name. Usage counters
// reset — a re-registered tool is a new tool as far as stats go.
func (r *Registry) Register(meta Metadata) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = time.Now()
	}

	cur := *r.entries.Load()
	next := make(map[string]*entry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[meta.Name] = newEntry(meta, true)
	r.entries.Store(&next)
}

// Replace swaps the entire catalog for the given set in one atomic
// publication. All usage counters start fresh.
func (r *Registry) Replace(metas []Metadata) {
	now := time.Now()
	next := make(map[string]*entry, len(metas))
	for _, m := range metas {
		if m.UpdatedAt.IsZero() {
			m.UpdatedAt = now
		}
		next[m.Name] = newEntry(m, true)
	}

	r.writeMu.Lock()
	r.entries.Store(&next)
	r.writeMu.Unlock()
}

// Lookup returns a snapshot of the named entry. ok is false if the
// tool is unknown.
func (r *Registry) Lookup(name string) (Registration, bool) {
	e, ok := (*r.entries.Load())[name]
	if !ok {
		return Registration{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of every entry, sorted by name.
func (r *Registry) List() []Registration {
	cur := *r.entries.Load()
	out := make([]Registration, 0, len(cur))
	for _, e := range cur {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of cataloged tools.
func (r *Registry) Len() int { return len(*r.entries.Load()) }

// IsAvailable returns the cached availability flag. Staleness is the
// caller's concern: check Stale and revalidate lazily on next use.
func (r *Registry) IsAvailable(name string) bool {
	e, ok := (*r.entries.Load())[name]
	return ok && e.available.Load()
}

// SetAvailable updates the cached availability flag in place.
func (r *Registry) SetAvailable(name string, available bool) {
	if e, ok := (*r.entries.Load())[name]; ok {
		e.available.Store(available)
	}
}

// Stale reports whether the named entry is older than the registry
// TTL. Unknown tools are stale by definition; a zero TTL never goes
// stale.
func (r *Registry) Stale(name string) bool {
	e, ok := (*r.entries.Load())[name]
	if !ok {
		return true
	}
	if r.ttl <= 0 {
		return false
	}
	return time.Since(e.meta.UpdatedAt) > r.ttl
}

// RecordUsage increments the call counter, adds the observed response
// time, and stamps last-used. Unknown names are ignored.
func (r *Registry) RecordUsage(name string, responseTime time.Duration) {
	e, ok := (*r.entries.Load())[name]
	if !ok {
		return
	}
	e.callCount.Add(1)
	e.totalNanos.Add(int64(responseTime))
	e.lastUsed.Store(time.Now().UnixNano())
}

// ToolStats is the per-tool line of the aggregate statistics report.
type ToolStats struct {
	Name        string        `json:"name"`
	Available   bool          `json:"available"`
	CallCount   int64         `json:"callCount"`
	TotalTime   time.Duration `json:"totalTime"`
	AverageTime time.Duration `json:"averageTime"`
	LastUsed    time.Time     `json:"lastUsed,omitzero"`
}

// Statistics is the aggregate usage report across the catalog.
type Statistics struct {
	TotalTools     int         `json:"totalTools"`
	AvailableTools int         `json:"availableTools"`
	TotalCalls     int64       `json:"totalCalls"`
	Tools          []ToolStats `json:"tools"`
}

// Statistics builds the aggregate report for the current catalog,
// sorted by tool name.
func (r *Registry) Statistics() Statistics {
	regs := r.List()
	stats := Statistics{TotalTools: len(regs)}
	for _, reg := range regs {
		ts := ToolStats{
			Name:      reg.Name,
			Available: reg.Available,
			CallCount: reg.CallCount,
			TotalTime: reg.TotalDuration,
			LastUsed:  reg.LastUsed,
		}
		if reg.CallCount > 0 {
			ts.AverageTime = reg.TotalDuration / time.Duration(reg.CallCount)
		}
		if reg.Available {
			stats.AvailableTools++
		}
		stats.TotalCalls += reg.CallCount
		stats.Tools = append(stats.Tools, ts)
	}
	return stats
}
