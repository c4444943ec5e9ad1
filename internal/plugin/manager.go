package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Jai-Dhiman/arrowhead/internal/events"
	"github.com/Jai-Dhiman/arrowhead/internal/mcp"
)

// Factory constructs a plugin implementation for a descriptor. The
// manager selects the factory by Metadata.Type.
type Factory func(meta Metadata, logger *slog.Logger) (Plugin, error)

// Instance pairs a live plugin with its lifecycle state and dispatch
// queue. All state reads and writes go through the owning Manager.
type Instance struct {
	meta   Metadata
	plugin Plugin

	mu       sync.Mutex
	state    State
	lastErr  error
	loadedAt time.Time

	queue *eventQueue
}

// Snapshot is a point-in-time copy of an instance for callers.
type Snapshot struct {
	Metadata
	State     State     `json:"state"`
	LoadedAt  time.Time `json:"loadedAt"`
	LastError string    `json:"lastError,omitempty"`
	Usage     Usage     `json:"usage"`
}

func (i *Instance) currentState() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// markFailed records a hook failure. Only this instance is affected.
func (i *Instance) markFailed(err error) {
	i.mu.Lock()
	i.state = StateFailed
	i.lastErr = err
	i.mu.Unlock()
}

func (i *Instance) snapshot() Snapshot {
	i.mu.Lock()
	state := i.state
	lastErr := ""
	if i.lastErr != nil {
		lastErr = i.lastErr.Error()
	}
	loadedAt := i.loadedAt
	i.mu.Unlock()

	return Snapshot{
		Metadata:  i.meta,
		State:     state,
		LoadedAt:  loadedAt,
		LastError: lastErr,
		Usage:     i.plugin.ResourceUsage(),
	}
}

// Manager loads, unloads, and orchestrates plugin instances, and
// implements mcp.PluginHost for the client façade.
type Manager struct {
	logger *slog.Logger
	bus    *events.Bus

	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]*Instance
	order     []string // registration order, for message dispatch
	invoker   ToolInvoker
}

// NewManager creates an empty manager. bus is optional.
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:    logger.With("component", "plugin"),
		bus:       bus,
		factories: make(map[string]Factory),
		instances: make(map[string]*Instance),
	}
	m.RegisterType("external", externalFactory)
	return m
}

// RegisterType installs a factory for a descriptor type. Registering
// an existing type replaces it.
func (m *Manager) RegisterType(name string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = f
}

// BindInvoker supplies the tool-invocation capability granted to
// plugins with the tools:call permission. Typically the *mcp.Client.
func (m *Manager) BindInvoker(inv ToolInvoker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoker = inv
}

// Load reads the descriptor at path, validates its configuration,
// constructs the plugin, and runs Initialize. On success the instance
// is Initialized and must still be activated to receive events.
func (m *Manager) Load(ctx context.Context, path string) (string, error) {
	meta, err := loadDescriptor(path)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if _, exists := m.instances[meta.ID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("plugin %q already loaded", meta.ID)
	}
	factory, ok := m.factories[meta.Type]
	invoker := m.invoker
	m.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("plugin %q: unknown type %q", meta.ID, meta.Type)
	}

	if err := validateConfigSchema(meta); err != nil {
		return "", err
	}

	p, err := factory(meta, m.logger.With("plugin", meta.ID))
	if err != nil {
		return "", fmt.Errorf("construct plugin %q: %w", meta.ID, err)
	}

	if err := p.ValidateConfig(meta.Config); err != nil {
		return "", fmt.Errorf("plugin %q rejected config: %w", meta.ID, err)
	}

	perms := make(map[string]bool, len(meta.Permissions))
	for _, perm := range meta.Permissions {
		perms[perm] = true
	}
	pctx := &Context{
		pluginID:    meta.ID,
		config:      meta.Config,
		permissions: perms,
		invoker:     invoker,
		logger:      m.logger.With("plugin", meta.ID),
	}

	// Initialize runs without the manager lock: plugin code may block
	// on I/O and must not stall sibling operations.
	if err := p.Initialize(ctx, pctx); err != nil {
		return "", fmt.Errorf("initialize plugin %q: %w", meta.ID, err)
	}

	inst := &Instance{
		meta:     meta,
		plugin:   p,
		state:    StateInitialized,
		loadedAt: time.Now(),
		queue:    newEventQueue(),
	}

	m.mu.Lock()
	if _, exists := m.instances[meta.ID]; exists {
		m.mu.Unlock()
		_ = p.Shutdown()
		return "", fmt.Errorf("plugin %q already loaded", meta.ID)
	}
	m.instances[meta.ID] = inst
	m.order = append(m.order, meta.ID)
	m.mu.Unlock()

	go m.dispatchLoop(inst)

	m.logger.Info("plugin loaded", "id", meta.ID, "type", meta.Type, "version", meta.Version)
	m.bus.Publish(events.Event{
		Source: events.SourcePlugin,
		Kind:   events.KindPluginLoaded,
		Data:   map[string]any{"plugin_id": meta.ID, "plugin_type": meta.Type},
	})
	return meta.ID, nil
}

// Activate moves an Initialized or Inactive instance to Active.
func (m *Manager) Activate(id string) error {
	inst, err := m.instance(id)
	if err != nil {
		return err
	}

	switch s := inst.currentState(); s {
	case StateActive:
		return nil
	case StateInitialized, StateInactive:
	default:
		return fmt.Errorf("plugin %q: activate from state %s: %w", id, s, ErrLifecycle)
	}

	if err := inst.plugin.Activate(); err != nil {
		inst.markFailed(err)
		m.reportFailure(id, "activate", err)
		return fmt.Errorf("activate plugin %q: %w", id, err)
	}
	inst.setState(StateActive)
	m.logger.Info("plugin activated", "id", id)
	return nil
}

// Deactivate moves an Active instance to Inactive. Events published
// while Inactive are not queued.
func (m *Manager) Deactivate(id string) error {
	inst, err := m.instance(id)
	if err != nil {
		return err
	}

	switch s := inst.currentState(); s {
	case StateInactive:
		return nil
	case StateActive:
	default:
		return fmt.Errorf("plugin %q: deactivate from state %s: %w", id, s, ErrLifecycle)
	}

	if err := inst.plugin.Deactivate(); err != nil {
		inst.markFailed(err)
		m.reportFailure(id, "deactivate", err)
		return fmt.Errorf("deactivate plugin %q: %w", id, err)
	}
	inst.setState(StateInactive)
	m.logger.Info("plugin deactivated", "id", id)
	return nil
}

// Unload shuts the instance down and removes it. Unloading an unknown
// or already-unloaded id is a no-op, not an error.
func (m *Manager) Unload(_ context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if ok {
		delete(m.instances, id)
		for idx, oid := range m.order {
			if oid == id {
				m.order = append(m.order[:idx], m.order[idx+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	inst.setState(StateShuttingDown)
	inst.queue.close()

	if err := inst.plugin.Shutdown(); err != nil {
		// The instance is gone either way; report and carry on.
		m.reportFailure(id, "shutdown", err)
	}
	inst.setState(StateUnloaded)

	m.logger.Info("plugin unloaded", "id", id)
	m.bus.Publish(events.Event{
		Source: events.SourcePlugin,
		Kind:   events.KindPluginUnloaded,
		Data:   map[string]any{"plugin_id": id},
	})
	return nil
}

// Instances returns snapshots of every loaded plugin, sorted by id.
func (m *Manager) Instances() []Snapshot {
	m.mu.Lock()
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	out := make([]Snapshot, len(insts))
	for i, inst := range insts {
		out[i] = inst.snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a snapshot of one plugin.
func (m *Manager) Get(id string) (Snapshot, bool) {
	inst, err := m.instance(id)
	if err != nil {
		return Snapshot{}, false
	}
	return inst.snapshot(), true
}

// AggregateUsage sums self-reported resource figures across loaded
// plugins. Advisory only.
func (m *Manager) AggregateUsage() Usage {
	var total Usage
	for _, snap := range m.Instances() {
		total.MemoryBytes += snap.Usage.MemoryBytes
		total.CPUPercent += snap.Usage.CPUPercent
		total.DiskBytes += snap.Usage.DiskBytes
	}
	return total
}

// Close unloads every plugin.
func (m *Manager) Close() error {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Unload(context.Background(), id)
	}
	return nil
}

// Connected implements mcp.PluginHost.
func (m *Manager) Connected() {
	m.emit(Event{Kind: EventServerConnected, Time: time.Now()})
}

// Disconnected implements mcp.PluginHost.
func (m *Manager) Disconnected() {
	m.emit(Event{Kind: EventServerDisconnected, Time: time.Now()})
}

// ToolCalled implements mcp.PluginHost.
func (m *Manager) ToolCalled(name string, args mcp.Args, result mcp.Value) {
	m.emit(Event{
		Kind:   EventToolCalled,
		Time:   time.Now(),
		Tool:   name,
		Args:   args,
		Result: result,
	})
}

// emit enqueues the event for every Active plugin that holds the
// events:subscribe permission. Each plugin has its own queue, so a
// slow consumer delays nobody else.
func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	for _, inst := range insts {
		if inst.currentState() != StateActive {
			continue
		}
		if !hasPermission(inst.meta.Permissions, PermEventsSubscribe) {
			continue
		}
		inst.queue.push(ev)
	}
}

// dispatchLoop drains one plugin's queue, invoking OnEvent outside any
// manager lock. An OnEvent failure marks only this instance Failed.
func (m *Manager) dispatchLoop(inst *Instance) {
	for {
		ev, ok := inst.queue.pop()
		if !ok {
			return
		}
		if err := inst.plugin.OnEvent(ev); err != nil {
			inst.markFailed(err)
			m.reportFailure(inst.meta.ID, "onEvent", err)
		}
	}
}

// HandleMessage implements mcp.PluginHost: the message is offered to
// Active plugins in registration order, and the first non-empty reply
// short-circuits further dispatch.
func (m *Manager) HandleMessage(raw json.RawMessage) (json.RawMessage, bool) {
	m.mu.Lock()
	ordered := make([]*Instance, 0, len(m.order))
	for _, id := range m.order {
		if inst, ok := m.instances[id]; ok {
			ordered = append(ordered, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range ordered {
		if inst.currentState() != StateActive {
			continue
		}
		reply, err := inst.plugin.HandleMessage(raw)
		if err != nil {
			inst.markFailed(err)
			m.reportFailure(inst.meta.ID, "handleMessage", err)
			continue
		}
		if len(reply) > 0 {
			return reply, true
		}
	}
	return nil, false
}

func (m *Manager) instance(id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("plugin %q not loaded", id)
	}
	return inst, nil
}

func (m *Manager) reportFailure(id, hook string, err error) {
	m.logger.Error("plugin hook failed", "id", id, "hook", hook, "error", err)
	m.bus.Publish(events.Event{
		Source: events.SourcePlugin,
		Kind:   events.KindPluginFailed,
		Data:   map[string]any{"plugin_id": id, "hook": hook, "error": err.Error()},
	})
}

func hasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}
