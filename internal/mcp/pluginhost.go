package mcp

import (
	"context"
	"encoding/json"
)

// PluginHost is the client's view of the plugin manager. The interface
// is declared here so the dependency points from the plugin package to
// this one; internal/plugin.Manager is the production implementation
// and is attached with WithPluginHost.
//
// A client without a host treats every plugin operation as a Plugin
// error and skips event delivery.
type PluginHost interface {
	// Load loads a plugin from a descriptor path and returns its id.
	Load(ctx context.Context, path string) (string, error)

	// Unload shuts down and removes a plugin. Unknown ids are a no-op.
	Unload(ctx context.Context, id string) error

	// Connected and Disconnected deliver connection lifecycle events
	// to active plugins.
	Connected()
	Disconnected()

	// ToolCalled delivers a tool-call event to active plugins.
	ToolCalled(name string, args Args, result Value)

	// HandleMessage offers an inbound message the core did not claim.
	// Returns the first plugin's reply and true, or false if no plugin
	// claimed the message.
	HandleMessage(raw json.RawMessage) (json.RawMessage, bool)

	// Close unloads every plugin.
	Close() error
}
