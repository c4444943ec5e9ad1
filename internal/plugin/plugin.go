// Package plugin implements the extension-module lifecycle manager. A
// plugin is a loadable unit polymorphic over the capability set below:
// it is described by a YAML descriptor on disk, validated against an
// optional JSON schema, and driven through a fixed lifecycle
// (Unloaded → Initialized → Active ⇄ Inactive → ShuttingDown →
// Unloaded). Active plugins receive framework events in order and may
// claim inbound messages the core did not.
//
// Plugin hooks run without any manager lock held, so plugin code may
// perform arbitrary I/O; a slow or faulting plugin delays only its own
// dispatch. A hook failure marks that one instance Failed and never
// touches the connection or sibling plugins.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Jai-Dhiman/arrowhead/internal/mcp"
)

// Permission identifiers a descriptor may declare. The initialization
// context exposes only the capabilities the declared permissions allow.
const (
	// PermToolsCall allows the plugin to invoke MCP tools.
	PermToolsCall = "tools:call"
	// PermEventsSubscribe allows the plugin to receive framework
	// events through OnEvent.
	PermEventsSubscribe = "events:subscribe"
)

// ErrLifecycle marks an operation attempted from an invalid lifecycle
// state, e.g. Activate before Initialize.
var ErrLifecycle = errors.New("invalid plugin lifecycle transition")

// State is a plugin instance's lifecycle state.
type State string

const (
	StateUnloaded     State = "unloaded"
	StateInitialized  State = "initialized"
	StateActive       State = "active"
	StateInactive     State = "inactive"
	StateShuttingDown State = "shutting-down"
	StateFailed       State = "failed"
)

// Metadata describes a plugin as declared by its descriptor file.
type Metadata struct {
	// ID is the unique key for the instance table.
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`

	// Type selects the construction factory (e.g. "external").
	Type string `yaml:"type" json:"type"`

	// EntryPoint is the type-specific entry (command path for
	// external plugins).
	EntryPoint string `yaml:"entry_point" json:"entryPoint,omitempty"`

	Permissions  []string `yaml:"permissions" json:"permissions,omitempty"`
	Dependencies []string `yaml:"dependencies" json:"dependencies,omitempty"`

	// Config is the opaque configuration blob handed to the plugin.
	Config map[string]any `yaml:"config" json:"config,omitempty"`

	// ConfigSchema, when present, is a JSON Schema that Config must
	// satisfy before the plugin is constructed.
	ConfigSchema map[string]any `yaml:"config_schema" json:"-"`
}

// Usage holds self-reported, advisory resource figures. The manager
// aggregates them but enforces nothing.
type Usage struct {
	MemoryBytes int64   `json:"memoryBytes"`
	CPUPercent  float64 `json:"cpuPercent"`
	DiskBytes   int64   `json:"diskBytes"`
}

// EventKind identifies a framework-originated event.
type EventKind string

const (
	EventServerConnected    EventKind = "server_connected"
	EventServerDisconnected EventKind = "server_disconnected"
	EventToolCalled         EventKind = "tool_called"
)

// Event is delivered to every Active plugin's OnEvent. Delivery to any
// single plugin is strictly ordered and lossless while it is Active;
// ordering across distinct plugins is unspecified.
type Event struct {
	Kind   EventKind `json:"kind"`
	Time   time.Time `json:"time"`
	Tool   string    `json:"tool,omitempty"`
	Args   mcp.Args  `json:"args,omitempty"`
	Result mcp.Value `json:"result"`
}

// Plugin is the capability set every extension module implements.
type Plugin interface {
	// Metadata returns the plugin's identity.
	Metadata() Metadata

	// Initialize prepares the plugin with its permission-gated
	// context. Called exactly once, before Activate.
	Initialize(ctx context.Context, pctx *Context) error

	// Activate and Deactivate toggle event/message participation.
	Activate() error
	Deactivate() error

	// Shutdown releases plugin resources. Called once during unload.
	Shutdown() error

	// HandleMessage is offered inbound messages the core did not
	// claim. A nil reply leaves the message for the next plugin.
	HandleMessage(raw json.RawMessage) (json.RawMessage, error)

	// Capabilities lists free-form capability strings.
	Capabilities() []string

	// ValidateConfig vets a configuration blob before Initialize.
	ValidateConfig(config map[string]any) error

	// ResourceUsage reports advisory resource figures.
	ResourceUsage() Usage

	// OnEvent receives framework events while the plugin is Active.
	OnEvent(ev Event) error
}

// ToolInvoker is the capability handed to plugins holding
// PermToolsCall. *mcp.Client satisfies it.
type ToolInvoker interface {
	CallTool(ctx context.Context, name string, args mcp.Args) (mcp.Value, error)
}

// Context is the execution context a plugin receives at Initialize.
// It exposes only what the plugin's declared permissions allow.
type Context struct {
	pluginID    string
	config      map[string]any
	permissions map[string]bool
	invoker     ToolInvoker
	logger      *slog.Logger
}

// PluginID returns the owning plugin's id.
func (c *Context) PluginID() string { return c.pluginID }

// Config returns the validated configuration blob.
func (c *Context) Config() map[string]any { return c.config }

// Logger returns a logger scoped to the plugin.
func (c *Context) Logger() *slog.Logger { return c.logger }

// HasPermission reports whether the plugin declared the permission.
func (c *Context) HasPermission(perm string) bool { return c.permissions[perm] }

// CallTool invokes an MCP tool on the plugin's behalf. Requires the
// tools:call permission.
func (c *Context) CallTool(ctx context.Context, name string, args mcp.Args) (mcp.Value, error) {
	if !c.permissions[PermToolsCall] {
		return mcp.Null(), fmt.Errorf("plugin %s lacks %q permission", c.pluginID, PermToolsCall)
	}
	if c.invoker == nil {
		return mcp.Null(), fmt.Errorf("plugin %s: no tool invoker bound", c.pluginID)
	}
	return c.invoker.CallTool(ctx, name, args)
}
