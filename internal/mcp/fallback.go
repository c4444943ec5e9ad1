package mcp

import "sync"

// DefaultMethodAliases maps current method names to the legacy alias
// tried once when a server rejects the current name as unknown. The
// table is configuration data — deployments talking to older servers
// override it from the config file rather than editing code.
func DefaultMethodAliases() map[string]string {
	return map[string]string{
		"tools/list":     "list_tools",
		"tools/call":     "call_tool",
		"resources/list": "list_resources",
		"resources/read": "read_resource",
	}
}

// methodResolver implements the graceful-degradation method fallback.
// When a call fails with "method not found", the façade retries once
// with the legacy alias; a success is remembered for the rest of the
// session so the dead name is never probed again.
type methodResolver struct {
	aliases map[string]string

	mu       sync.RWMutex
	resolved map[string]string
}

func newMethodResolver(aliases map[string]string) *methodResolver {
	if aliases == nil {
		aliases = DefaultMethodAliases()
	}
	return &methodResolver{
		aliases:  aliases,
		resolved: make(map[string]string),
	}
}

// current returns the wire name to use for a canonical method: the
// remembered session alias if one won earlier, otherwise the canonical
// name itself.
func (r *methodResolver) current(method string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.resolved[method]; ok {
		return name
	}
	return method
}

// alias returns the legacy fallback for a canonical method, if any.
func (r *methodResolver) alias(method string) (string, bool) {
	a, ok := r.aliases[method]
	return a, ok
}

// remember pins the winning wire name for the rest of the session.
func (r *methodResolver) remember(method, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved[method] = name
}

// reset clears remembered aliases (used on reconnect, where the server
// may have changed).
func (r *methodResolver) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = make(map[string]string)
}
